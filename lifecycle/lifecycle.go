// Package lifecycle models the page events that prompt a re-check: the page
// coming back to the foreground, the network coming back online, and
// client-side navigation. Hosts expose each as a Source; the scheduler
// subscribes and unsubscribes without knowing where the events come from.
package lifecycle

// Source delivers events to subscribers. Subscribe returns a function that
// detaches fn; it is safe to call more than once.
type Source interface {
	Subscribe(fn func()) (unsubscribe func(), err error)
}

// Env bundles the sources and state predicates of one host page.
// Nil sources are simply not subscribed.
type Env struct {
	Visibility Source // fires on every visibility change
	Online     Source // fires when connectivity returns
	Navigation Source // fires on client-side navigation

	// Visible reports whether the page is in the foreground. Nil means
	// always visible.
	Visible func() bool
	// IsOnline reports current connectivity. Nil means always online.
	IsOnline func() bool
}

// Headless returns an Env for hosts with no page: always visible, always
// online, no event sources.
func Headless() Env { return Env{} }

// PageVisible evaluates Visible, defaulting to true.
func (e Env) PageVisible() bool {
	if e.Visible == nil {
		return true
	}
	return e.Visible()
}

// NetworkOnline evaluates IsOnline, defaulting to true.
func (e Env) NetworkOnline() bool {
	if e.IsOnline == nil {
		return true
	}
	return e.IsOnline()
}
