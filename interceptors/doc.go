// Package interceptors provides middleware for worker method handlers.
//
// Interceptors wrap a worker.Handler and run in the order given to Chain:
//
//	handler := interceptors.Chain(convert,
//	    interceptors.NewLoggingInterceptor(logger),
//	    interceptors.ExceptMethods(interceptors.NewTimeoutInterceptor(time.Minute), "cancel_ingesting_data"),
//	)
package interceptors
