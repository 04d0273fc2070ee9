package rpc

// Middleware wraps a protocol handler. It must call next to continue the
// chain.
type Middleware func(req *Request, next HandlerFunc) error

// buildHandlerFunction chains middleware around final so that middleware[0]
// runs first.
func buildHandlerFunction(middleware []Middleware, final HandlerFunc) HandlerFunc {
	chain := final
	for i := len(middleware) - 1; i >= 0; i-- {
		m := middleware[i]
		next := chain
		chain = func(req *Request) error {
			return m(req, next)
		}
	}
	return chain
}
