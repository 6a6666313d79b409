package pipeline

import "fmt"

// SignalKind tags the three variants of a Signal.
type SignalKind uint8

const (
	KindItem SignalKind = iota + 1
	KindError
	KindComplete
)

func (k SignalKind) String() string {
	switch k {
	case KindItem:
		return "item"
	case KindError:
		return "error"
	case KindComplete:
		return "complete"
	default:
		return fmt.Sprintf("SignalKind(%d)", uint8(k))
	}
}

// Signal is the unit delivered on a subscription. After an Error or
// Complete signal nothing else is delivered on that subscription.
type Signal[T any] struct {
	Kind  SignalKind
	Item  T
	Fault *Fault
}

// ItemSignal wraps v in an Item signal.
func ItemSignal[T any](v T) Signal[T] {
	return Signal[T]{Kind: KindItem, Item: v}
}

// ErrorSignal wraps f in an Error signal.
func ErrorSignal[T any](f *Fault) Signal[T] {
	return Signal[T]{Kind: KindError, Fault: f}
}

// CompleteSignal returns a Complete signal.
func CompleteSignal[T any]() Signal[T] {
	return Signal[T]{Kind: KindComplete}
}

// IsTerminal reports whether s ends its subscription.
func (s Signal[T]) IsTerminal() bool {
	return s.Kind == KindError || s.Kind == KindComplete
}

func (s Signal[T]) String() string {
	switch s.Kind {
	case KindItem:
		return fmt.Sprintf("item(%v)", s.Item)
	case KindError:
		return fmt.Sprintf("error(%v)", s.Fault)
	default:
		return s.Kind.String()
	}
}

// retype converts a terminal signal between item types.
func retype[O, I any](s Signal[I]) Signal[O] {
	return Signal[O]{Kind: s.Kind, Fault: s.Fault}
}
