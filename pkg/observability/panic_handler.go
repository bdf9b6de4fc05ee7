package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with structured logging.
// It must be called directly in a defer statement:
//
//	defer observability.RecoverPanic(logger, "trial warning")
//
// The panic is not re-raised.
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		logPanic(logger, context, r)
	}
}

// RecoverPanicToError is RecoverPanic for functions with a named error
// result: a recovered panic is logged and stored in *errp so the caller can
// report it like any other failure.
//
//	func chargeOne(...) (err error) {
//	    defer observability.RecoverPanicToError(logger, "charge", &err)
//	    ...
//	}
func RecoverPanicToError(logger *Logger, context string, errp *error) {
	if r := recover(); r != nil {
		logPanic(logger, context, r)
		if errp != nil {
			*errp = MustRecover(r)
		}
	}
}

// MustRecover converts a recovered value into an error; nil stays nil
func MustRecover(r interface{}) error {
	if r != nil {
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}

func logPanic(logger *Logger, context string, r interface{}) {
	if logger == nil {
		return
	}
	logger.WithField("panic", fmt.Sprint(r)).
		WithField("stack", string(debug.Stack())).
		WithField("context", context).
		Error("PANIC recovered")
}
