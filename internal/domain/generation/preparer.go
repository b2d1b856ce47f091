package generation

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Preparer normalizes a raw prompt and, when an enhancement service is
// configured, asks it for a rewritten version. Enhancement is strictly
// best-effort: any failure or timeout falls back to the normalized
// original and never affects billing or generation.
type Preparer struct {
	enhancer PromptEnhancer
	timeout  time.Duration
}

func NewPreparer(enhancer PromptEnhancer, timeout time.Duration) *Preparer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Preparer{enhancer: enhancer, timeout: timeout}
}

// Prepare returns the prompt to send to the render provider.
func (p *Preparer) Prepare(ctx context.Context, prompt, style string) string {
	normalized := strings.Join(strings.Fields(prompt), " ")
	if p.enhancer == nil {
		return normalized
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	enhanced, err := p.enhancer.Enhance(ctx, normalized, style)
	if err != nil {
		log.Warn().Err(err).Msg("Prompt enhancement failed, using original prompt")
		return normalized
	}
	enhanced = strings.TrimSpace(enhanced)
	if enhanced == "" {
		return normalized
	}
	return enhanced
}
