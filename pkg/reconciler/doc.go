/*
Package reconciler runs the control loop that turns the cluster's declared
composition into running services and healthy workers.

The loop wakes every few seconds. Each pass:

 1. re-establishes the message channel if it dropped, and does nothing else
 2. runs a health pass when one is due: disk usage, service status, spot
    request polling, mount-point sync to ready workers, and maintenance of
    workers that have gone quiet
 3. starts every unstarted service whose dependencies are running
 4. carries out pending filesystem resizes
 5. dispatches every waiting worker message

Health passes back off as the cluster settles: every 10 seconds within five
minutes of a change in services or workers, every 30 seconds within ten
minutes, and every minute after that. The configuration document is
persisted after any start or resize.

	rec := reconciler.NewReconciler(mgr, reconciler.Config{})
	go rec.Run(ctx)
	...
	mgr.Shutdown(ctx, manager.ShutdownOptions{})
	rec.Wake()

Run returns once the cluster reports TERMINATED.
*/
package reconciler
