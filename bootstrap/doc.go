// Package bootstrap runs a flowkit application: it validates typed config,
// initializes logging, starts registered components, blocks until a signal
// and shuts everything down in reverse order.
//
//	app, err := bootstrap.NewApp(&cfg)
//	app.RegisterComponent(pool)
//	app.OnReady(func(ctx context.Context) error { ... })
//	err = app.Run(ctx)
//
// RunTask is the variant for finite work such as draining one flow.
package bootstrap
