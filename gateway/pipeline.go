package gateway

import "net/http"

// StageResult is the typed outcome of one pipeline stage.
type StageResult int

const (
	// Continue passes the request to the next stage.
	Continue StageResult = iota
	// Halt stops the pipeline; the stage has already written the response.
	Halt
)

// Stage is one named step of the request pipeline. A stage may mutate the
// request (returning a derived *http.Request to thread context values) and
// must write the response itself when it returns Halt.
type Stage struct {
	Name string
	Run  func(w http.ResponseWriter, r *http.Request) (*http.Request, StageResult)
}

// Pipeline is an explicit ordered sequence of stages terminating in a final
// handler. A Halt at any stage short-circuits all subsequent stages and the
// handler.
type Pipeline struct {
	stages []Stage
}

// NewPipeline builds a pipeline from the given stages, run in order.
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Then returns an http.Handler that runs the pipeline in front of next.
func (p *Pipeline) Then(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, stage := range p.stages {
			r2, res := stage.Run(w, r)
			if res == Halt {
				return
			}
			if r2 != nil {
				r = r2
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Middleware adapts the pipeline to the func(http.Handler) http.Handler
// shape used by chi.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return p.Then(next)
}

// stageFromMiddleware wraps ordinary middleware as a named stage. The
// middleware signals Continue by invoking its next handler; anything else is
// a short-circuit.
func stageFromMiddleware(name string, mw func(http.Handler) http.Handler) Stage {
	return Stage{
		Name: name,
		Run: func(w http.ResponseWriter, r *http.Request) (*http.Request, StageResult) {
			var (
				passed  bool
				nextReq *http.Request
			)
			probe := http.HandlerFunc(func(_ http.ResponseWriter, r2 *http.Request) {
				passed = true
				nextReq = r2
			})
			mw(probe).ServeHTTP(w, r)
			if !passed {
				return nil, Halt
			}
			return nextReq, Continue
		},
	}
}
