/*
Package health implements the probes a controller uses to decide that its
device has stopped answering.

A Checker runs one probe and returns a Result. Status counts consecutive
failures and reports, through Update, the moment the count reaches the
configured threshold; a healthy result resets it.

Two checkers exist:
  - KeepAliveChecker sends a KEEP ALIVE admin command bounded by the
    keep-alive timeout
  - RegisterChecker reads CSTS and fails on the all-ones pattern of a
    vanished device or on the fatal status bit

	status := health.NewStatus()
	cfg := health.Config{Interval: kato, Timeout: kato, Retries: 1}
	if status.Update(checker.Check(ctx), cfg) {
		// threshold crossed: reset the controller
	}
*/
package health
