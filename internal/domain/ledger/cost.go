package ledger

// costPerImage is the token price of each image in a multi-image batch.
const costPerImage = 5

// ComputeCost returns the token cost of a batch of imageCount images.
// A single image is free; batches are charged per image. Invalid counts
// (zero or negative) are treated as a single image.
func ComputeCost(imageCount int) int {
	if imageCount < 1 {
		imageCount = 1
	}
	if imageCount == 1 {
		return 0
	}
	return costPerImage * imageCount
}
