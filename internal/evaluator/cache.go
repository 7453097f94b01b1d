package evaluator

import "cohorteval/internal/engine"

// LibraryFactory builds a library resolver. It is called at most once per
// WorkerCache.
type LibraryFactory func() (engine.LibraryResolver, error)

// TerminologyFactory builds a terminology resolver. It is called at most once
// per WorkerCache.
type TerminologyFactory func() (engine.TerminologyResolver, error)

// WorkerCache holds the expensive resolvers of one worker. The first call to
// Resolvers builds them; later calls return the same instances. A build
// failure sticks: every later call returns the same *SetupError.
//
// A WorkerCache belongs to exactly one goroutine and is not locked.
type WorkerCache struct {
	newLibs  LibraryFactory
	newTerms TerminologyFactory

	built bool
	libs  engine.LibraryResolver
	terms engine.TerminologyResolver
	err   error
}

// NewWorkerCache returns an empty cache using the given factories.
func NewWorkerCache(libs LibraryFactory, terms TerminologyFactory) *WorkerCache {
	return &WorkerCache{newLibs: libs, newTerms: terms}
}

// Resolvers returns the worker's library and terminology resolvers.
func (c *WorkerCache) Resolvers() (engine.LibraryResolver, engine.TerminologyResolver, error) {
	if !c.built {
		c.build()
	}
	return c.libs, c.terms, c.err
}

func (c *WorkerCache) build() {
	c.built = true
	libs, err := c.newLibs()
	if err != nil {
		c.err = &SetupError{Component: "library resolver", Err: err}
		return
	}
	var terms engine.TerminologyResolver
	if c.newTerms != nil {
		terms, err = c.newTerms()
		if err != nil {
			c.err = &SetupError{Component: "terminology resolver", Err: err}
			return
		}
	}
	c.libs, c.terms = libs, terms
}
