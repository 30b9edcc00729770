package engine

import "github.com/google/uuid"

// RunTokenGenerator produces the token that correlates all log lines of one
// ProcessQueue pass.
type RunTokenGenerator interface {
	Generate() string
}

// UUIDv7Generator issues time-ordered UUIDs, so run tokens sort by start
// time in log aggregators.
type UUIDv7Generator struct{}

func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator always returns the same token. Test use only.
type FixedGenerator struct {
	Token string
}

func (g FixedGenerator) Generate() string {
	return g.Token
}
