// Package tasklet provides cooperative micro-threads for Go.
//
// A Scheduler owns a ready queue of Tasks and exactly one of them runs at a
// time. Tasks give up the processor explicitly by calling Schedule, by
// blocking on a Channel, or by sleeping on a Timer. The goroutine that creates
// a Scheduler becomes its main Task, and Run returns to it once nothing is
// runnable any more.
//
// # Quick Start
//
//	s := tasklet.NewScheduler()
//	ch := tasklet.NewChannel[string]()
//
//	s.Spawn("producer", func(ctx context.Context) error {
//		return ch.Send(ctx, "hello")
//	})
//	s.Spawn("consumer", func(ctx context.Context) error {
//		msg, err := ch.Receive(ctx)
//		if err != nil {
//			return err
//		}
//		fmt.Println(msg)
//		return nil
//	})
//
//	if err := s.Run(); err != nil {
//		log.Fatal(err)
//	}
//
// # Key Concepts
//
// Task: A micro-thread bound to a TaskFunc. Its context carries the owning
// Scheduler, so helpers such as Sleep and Channel.Send find it implicitly.
//
// Channel: A rendezvous point with an optional buffer. The Preference decides
// whether the sender or the receiver keeps running after a hand-off.
//
// Timer: Per-Scheduler deadlines fired by a dedicated timer Task. Sleep,
// Timeout and Ticker are built on it.
//
// ThreadGroup: Runs several Schedulers side by side, one per OS thread.
// Channels created WithCrossThread can be shared between them.
//
// The actor subpackage layers mailboxes and a name registry on top.
package tasklet
