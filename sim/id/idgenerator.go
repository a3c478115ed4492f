// Package id generates identifiers for events and packets.
package id

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

// IDGenerator can generate IDs.
type IDGenerator interface {
	Generate() string
}

var (
	generatorMu           sync.Mutex
	generatorInstantiated bool
	generator             IDGenerator
)

// UseSequentialIDGenerator makes Generate return increasing decimal numbers.
// It must be called before the first ID is generated.
func UseSequentialIDGenerator() {
	setGenerator(&sequentialIDGenerator{})
}

// UseParallelIDGenerator makes Generate return globally unique xid strings.
// The IDs are not deterministic across runs. It must be called before the
// first ID is generated.
func UseParallelIDGenerator() {
	setGenerator(parallelIDGenerator{})
}

func setGenerator(g IDGenerator) {
	generatorMu.Lock()
	defer generatorMu.Unlock()

	if generatorInstantiated {
		panic("cannot change id generator type after using it")
	}

	generator = g
	generatorInstantiated = true
}

// Generate returns a new ID from the process-wide generator.
func Generate() string {
	generatorMu.Lock()
	if !generatorInstantiated {
		generator = &sequentialIDGenerator{}
		generatorInstantiated = true
	}
	g := generator
	generatorMu.Unlock()

	return g.Generate()
}

// NewIDGenerator returns a private sequential generator.
func NewIDGenerator() IDGenerator {
	return &sequentialIDGenerator{}
}

type sequentialIDGenerator struct {
	nextID uint64
}

func (g *sequentialIDGenerator) Generate() string {
	idNumber := atomic.AddUint64(&g.nextID, 1)

	return strconv.FormatUint(idNumber, 10)
}

type parallelIDGenerator struct{}

func (g parallelIDGenerator) Generate() string {
	return xid.New().String()
}
