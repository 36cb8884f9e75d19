package tasklet_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Swind/go-tasklet"
)

// ExampleScheduler demonstrates two Tasks meeting on a channel.
func ExampleScheduler() {
	s := tasklet.NewScheduler()
	ch := tasklet.NewChannel[string]()

	s.Spawn("producer", func(ctx context.Context) error {
		return ch.Send(ctx, "hello")
	})
	s.Spawn("consumer", func(ctx context.Context) error {
		msg, err := ch.Receive(ctx)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	})

	if err := s.Run(); err != nil {
		fmt.Println("run:", err)
	}

	// Output:
	// hello
}

// ExampleChannel_SendError demonstrates ending a stream with an error.
func ExampleChannel_SendError() {
	s := tasklet.NewScheduler()
	ch := tasklet.NewChannel[int]()
	errDone := errors.New("done")

	s.Spawn("producer", func(ctx context.Context) error {
		for i := 1; i <= 3; i++ {
			if err := ch.Send(ctx, i); err != nil {
				return err
			}
		}
		return ch.SendError(ctx, errDone)
	})
	s.Spawn("consumer", func(ctx context.Context) error {
		for {
			v, err := ch.Receive(ctx)
			if err != nil {
				fmt.Println("stream ended:", err)
				return nil
			}
			fmt.Println(v)
		}
	})

	s.Run()

	// Output:
	// 1
	// 2
	// 3
	// stream ended: done
}

// ExampleSleep demonstrates Tasks waking in deadline order.
func ExampleSleep() {
	s := tasklet.NewScheduler()
	for _, d := range []time.Duration{30 * time.Millisecond, 10 * time.Millisecond} {
		s.Spawn(d.String(), func(ctx context.Context) error {
			if err := tasklet.Sleep(ctx, d); err != nil {
				return err
			}
			fmt.Println("woke after", d)
			return nil
		})
	}

	s.Run()

	// Output:
	// woke after 10ms
	// woke after 30ms
}

// ExampleThreadGroup demonstrates two Schedulers sharing a channel.
func ExampleThreadGroup() {
	tg := tasklet.NewThreadGroup("example")
	ch := tasklet.NewChannel[string](tasklet.WithCrossThread())

	tg.Go("producer", func(s *tasklet.Scheduler) error {
		return ch.Send(s.Context(), "ping")
	})
	tg.Go("consumer", func(s *tasklet.Scheduler) error {
		msg, err := ch.Receive(s.Context())
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	})

	if err := tg.Wait(); err != nil {
		fmt.Println("wait:", err)
	}

	// Output:
	// ping
}
