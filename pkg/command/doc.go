/*
Package command runs commands on one submission queue and decides when each
one is finished.

Queue allocates a request per submission from a fixed depth, sends it on
the transport and applies the completion policy:

 1. never dispatched: cancelled
 2. success: done
 3. queue dying, do-not-retry, time budget spent or retries used up: failed
 4. otherwise: retried at the head of the queue

A stopped (quiesced) queue parks retries and new submissions until Start.
Kill marks the queue dying first, so everything outstanding terminates with
nvme.ErrCancelled instead of retrying.
*/
package command
