package tap

// Filter functions compose with Services to modify their behaviour. They might change a service's input or output,
// observe what passes through them, or elect not to call the underlying service at all.
//
// Filters which are bound to a Router with Router.Filter only see requests whose path matches the pattern they were
// bound with.
type Filter func(Request, Service) Response

// Chain composes the passed filters into one. The first filter is the outermost: it sees the request first and the
// response last.
func Chain(filters ...Filter) Filter {
	return func(req Request, svc Service) Response {
		for i := len(filters) - 1; i >= 0; i-- {
			svc = svc.Filter(filters[i])
		}
		return svc(req)
	}
}
