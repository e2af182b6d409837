package multiplexer_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/spool/multiplexer"
	"github.com/papercomputeco/spool/multiplexer/fallback"
	"github.com/papercomputeco/spool/multiplexer/worker"
	"github.com/papercomputeco/spool/pkg/checkpoint"
	"github.com/papercomputeco/spool/pkg/checkpoint/checkpointtest"
	"github.com/papercomputeco/spool/pkg/checkpoint/inmemory"
	"github.com/papercomputeco/spool/pkg/clock"
	"github.com/papercomputeco/spool/pkg/eventstream/nop"
	"github.com/papercomputeco/spool/pkg/logger"
	"github.com/papercomputeco/spool/pkg/source"
	"github.com/papercomputeco/spool/pkg/stream"
)

// quietOptions disables every timer-driven behavior; specs opt back in.
func quietOptions() multiplexer.Options {
	o := multiplexer.DefaultOptions()
	o.EnableAutoRetry = false
	o.EnableFallback = false
	o.StallTimeout = 0
	o.Retention = 0
	return o
}

func failingSource(opens *atomic.Int32) source.Source {
	return source.Func(func(context.Context) (source.Handle, error) {
		opens.Add(1)
		return nil, errors.New("connection refused")
	})
}

var _ = Describe("Registry", func() {
	var (
		fake *clock.Fake
		rec  *recorder
		reg  *multiplexer.Registry
		opts multiplexer.Options
		cfg  multiplexer.Config
	)

	start := func() {
		cfg.Options = opts
		cfg.Callbacks = rec.callbacks()
		cfg.Clock = fake
		cfg.Logger = logger.Nop()
		reg = multiplexer.New(cfg)
	}

	BeforeEach(func() {
		fake = clock.NewFake(time.Unix(1_700_000_000, 0))
		rec = newRecorder()
		opts = quietOptions()
		cfg = multiplexer.Config{}
		reg = nil
	})

	AfterEach(func() {
		if reg != nil {
			reg.Close()
		}
	})

	Describe("Start", func() {
		It("folds events and completes on finish", func() {
			start()
			src := track(source.Static(
				stream.TextDelta("Hello "),
				stream.TextDelta("world"),
				stream.Finish(&stream.Usage{TotalTokens: 7}, "stop"),
			))
			Expect(reg.Start("s1", src, multiplexer.WithMessageID("m1"))).To(Succeed())

			Eventually(rec.done).Should(Receive(Equal("s1")))
			msg, ok := rec.message("s1")
			Expect(ok).To(BeTrue())
			Expect(msg.ID).To(Equal("m1"))
			Expect(msg.Text).To(Equal("Hello world"))
			Expect(rec.lastProgress()).To(Equal(100.0))

			snap, ok := reg.Get("s1")
			Expect(ok).To(BeTrue())
			Expect(snap.Status).To(Equal(multiplexer.StatusCompleted))
			Expect(snap.State.Metadata).To(HaveKeyWithValue("finishReason", "stop"))
			Expect(reg.Progress("s1")).To(Equal(100.0))

			stats := reg.Stats()
			Expect(stats.CompletedStreams).To(Equal(1))
			Expect(stats.ActiveStreams).To(Equal(0))
			Expect(stats.IsStreaming).To(BeFalse())
			Expect(stats.TotalTokens).To(Equal(7))

			fromRegistry, ok := reg.Message("m1")
			Expect(ok).To(BeTrue())
			Expect(fromRegistry.Text).To(Equal("Hello world"))

			Eventually(src.released.Load).Should(Equal(int32(1)))
		})

		It("completes when the source ends without a finish event", func() {
			start()
			Expect(reg.Start("s1", source.Static(stream.TextDelta("a b")))).To(Succeed())
			Eventually(rec.done).Should(Receive(Equal("s1")))

			msg, _ := rec.message("s1")
			Expect(msg.ID).To(Equal("s1"))
			Expect(msg.Text).To(Equal("a b"))
			Expect(reg.Stats().TotalTokens).To(Equal(2))
		})

		It("accumulates tokens across streams", func() {
			start()
			Expect(reg.Start("s1", source.Static(stream.TextDelta("one two three"), stream.Finish(nil, "")))).To(Succeed())
			Expect(reg.Start("s2", source.Static(stream.TextDelta("a"), stream.Finish(&stream.Usage{TotalTokens: 10}, "stop")))).To(Succeed())
			Eventually(rec.done).Should(Receive())
			Eventually(rec.done).Should(Receive())
			Expect(reg.Stats().TotalTokens).To(Equal(13))
		})

		It("rejects invalid starts", func() {
			start()
			Expect(reg.Start("", source.Static())).To(MatchError(multiplexer.ErrMissingStreamID))

			reg.Close()
			Expect(reg.Start("s1", source.Static())).To(MatchError(multiplexer.ErrClosed))
		})

		It("rejects a second start of an active stream", func() {
			start()
			p := &pipeSource{}
			Expect(reg.Start("s1", p)).To(Succeed())
			Expect(reg.Start("s1", source.Static())).To(MatchError(multiplexer.ErrStreamActive))

			Eventually(p.last).ShouldNot(BeNil())
			p.last().end()
			Eventually(rec.done).Should(Receive(Equal("s1")))

			Expect(reg.Start("s1", source.Static(stream.TextDelta("again")))).To(Succeed())
			Eventually(rec.done).Should(Receive(Equal("s1")))
			msg, _ := rec.message("s1")
			Expect(msg.Text).To(Equal("again"))
		})
	})

	Describe("admission control", func() {
		It("rejects beyond the cap without creating anything", func() {
			opts.MaxConcurrentStreams = 2
			start()

			a, b := &pipeSource{}, &pipeSource{}
			Expect(reg.Start("a", a)).To(Succeed())
			Expect(reg.Start("b", b)).To(Succeed())
			Expect(reg.Start("c", &pipeSource{})).To(MatchError(multiplexer.ErrTooManyStreams))

			_, ok := reg.Get("c")
			Expect(ok).To(BeFalse())
			Expect(reg.List()).To(HaveLen(2))
			Expect(reg.Stats().ActiveStreams).To(Equal(2))
			Expect(reg.Stats().IsStreaming).To(BeTrue())

			Eventually(a.last).ShouldNot(BeNil())
			a.last().end()
			Eventually(func() int { return reg.Stats().ActiveStreams }).Should(Equal(1))

			Expect(reg.Start("c", &pipeSource{})).To(Succeed())
		})

		It("admits again after one of five streams at the default cap completes", func() {
			start()
			Expect(reg.Options().MaxConcurrentStreams).To(Equal(5))

			sources := make([]*pipeSource, 5)
			for i := range sources {
				sources[i] = &pipeSource{}
				Expect(reg.Start(fmt.Sprintf("s%d", i+1), sources[i])).To(Succeed())
			}
			Expect(reg.Stats().ActiveStreams).To(Equal(5))
			Expect(reg.Start("s6", &pipeSource{})).To(MatchError(multiplexer.ErrTooManyStreams))

			Eventually(sources[2].last).ShouldNot(BeNil())
			sources[2].last().end()
			Eventually(rec.done).Should(Receive(Equal("s3")))
			Eventually(func() int { return reg.Stats().ActiveStreams }).Should(Equal(4))

			Expect(reg.Start("s7", &pipeSource{})).To(Succeed())
			Expect(reg.Stats().ActiveStreams).To(Equal(5))
		})

		It("applies a raised cap to later starts", func() {
			opts.MaxConcurrentStreams = 1
			start()

			Expect(reg.Start("a", &pipeSource{})).To(Succeed())
			Expect(reg.Start("b", &pipeSource{})).To(MatchError(multiplexer.ErrTooManyStreams))

			o := reg.Options()
			o.MaxConcurrentStreams = 2
			reg.SetOptions(o)
			Expect(reg.Options().MaxConcurrentStreams).To(Equal(2))
			Expect(reg.Start("b", &pipeSource{})).To(Succeed())
		})
	})

	Describe("Stop", func() {
		It("aborts without completing and releases the handle", func() {
			start()
			p := &pipeSource{}
			Expect(reg.Start("s1", p)).To(Succeed())
			Eventually(p.last).ShouldNot(BeNil())

			Expect(reg.Stop("s1")).To(BeTrue())
			Expect(reg.Stop("s1")).To(BeFalse())
			_, ok := reg.Get("s1")
			Expect(ok).To(BeFalse())

			h := p.last()
			h.send(stream.TextDelta("late"))
			h.end()
			Eventually(h.released.Load).Should(BeTrue())
			Consistently(rec.done, 50*time.Millisecond).ShouldNot(Receive())
		})

		It("stops everything and clears retry and fallback timers", func() {
			opts.EnableAutoRetry = true
			opts.ReconnectDelay = time.Minute
			opts.EnableFallback = true
			cfg.Fetcher = fallback.FetcherFunc(func(context.Context, string) (*checkpoint.Checkpoint, error) {
				return nil, nil
			})
			start()

			var opens atomic.Int32
			a, b := &pipeSource{}, &pipeSource{}
			Expect(reg.Start("a", a)).To(Succeed())
			Expect(reg.Start("b", b)).To(Succeed())
			Expect(reg.Start("f", failingSource(&opens), multiplexer.WithMessageID("mf"))).To(Succeed())

			Eventually(func() bool { return reg.FallbackEnabled("mf") }).Should(BeTrue())
			Eventually(a.last).ShouldNot(BeNil())
			Eventually(b.last).ShouldNot(BeNil())
			Expect(fake.Pending()).NotTo(BeEmpty())

			reg.StopAll()

			Expect(reg.List()).To(BeEmpty())
			Expect(reg.Stats().ActiveStreams).To(Equal(0))
			Expect(reg.FallbackEnabled("mf")).To(BeFalse())
			Expect(fake.Pending()).To(BeEmpty())

			for _, p := range []*pipeSource{a, b} {
				h := p.last()
				h.send(stream.TextDelta("late"))
				Eventually(h.released.Load).Should(BeTrue())
			}

			fake.Advance(time.Hour)
			Expect(opens.Load()).To(Equal(int32(1)))
		})
	})

	Describe("failures", func() {
		It("surfaces an error event after folding it", func() {
			start()
			src := track(source.Static(stream.TextDelta("partial"), stream.ErrorEvent("boom")))
			Expect(reg.Start("s1", src)).To(Succeed())
			Eventually(rec.done).Should(Receive(Equal("s1")))

			err := rec.err("s1")
			var streamErr *multiplexer.StreamError
			Expect(errors.As(err, &streamErr)).To(BeTrue())
			Expect(streamErr.StreamID).To(Equal("s1"))
			Expect(streamErr.Attempt).To(Equal(0))

			var eventErr *stream.EventError
			Expect(errors.As(err, &eventErr)).To(BeTrue())
			Expect(eventErr.Message).To(Equal("boom"))

			snap, _ := reg.Get("s1")
			Expect(snap.Status).To(Equal(multiplexer.StatusError))
			Expect(snap.State.Text).To(Equal("partial"))
			Expect(snap.State.Errors).To(ContainElement("boom"))
			Expect(snap.Error).To(ContainSubstring("boom"))
			Expect(reg.Progress("s1")).To(Equal(0.0))

			Eventually(src.released.Load).Should(Equal(int32(1)))
		})

		It("fails a stalled connection", func() {
			opts.StallTimeout = 5 * time.Second
			start()

			p := &pipeSource{}
			Expect(reg.Start("s1", p)).To(Succeed())
			Eventually(p.opens).Should(Equal(1))

			fake.Advance(4 * time.Second)
			p.last().send(stream.TextDelta("tick"))
			Eventually(func() int {
				snap, _ := reg.Get("s1")
				return snap.State.Revision
			}).Should(Equal(1))

			fake.Advance(4 * time.Second)
			snap, _ := reg.Get("s1")
			Expect(snap.Status).To(Equal(multiplexer.StatusStreaming))

			fake.Advance(time.Second)
			Eventually(rec.done).Should(Receive(Equal("s1")))
			Expect(rec.err("s1")).To(MatchError(multiplexer.ErrStalled))
			Eventually(p.last().released.Load).Should(BeTrue())
		})

		It("retries with exponential backoff and gives up", func() {
			opts.EnableAutoRetry = true
			opts.ReconnectAttempts = 3
			opts.ReconnectDelay = time.Second
			start()

			var opens atomic.Int32
			Expect(reg.Start("s1", failingSource(&opens))).To(Succeed())

			delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
			for i, d := range delays {
				Eventually(rec.retryCalls).Should(HaveLen(i + 1))
				Expect(rec.retryCalls()[i]).To(Equal(retryCall{attempt: i + 1, delay: d}))

				snap, _ := reg.Get("s1")
				Expect(snap.Retrying).To(BeTrue())
				Expect(reg.Start("s1", source.Static())).To(MatchError(multiplexer.ErrStreamActive))

				fake.Advance(d)
			}

			Eventually(rec.done).Should(Receive(Equal("s1")))
			var streamErr *multiplexer.StreamError
			Expect(errors.As(rec.err("s1"), &streamErr)).To(BeTrue())
			Expect(streamErr.Attempt).To(Equal(3))
			Expect(opens.Load()).To(Equal(int32(4)))
			Expect(rec.retryCalls()).To(HaveLen(3))

			snap, _ := reg.Get("s1")
			Expect(snap.Attempt).To(Equal(3))
			Expect(snap.Retrying).To(BeFalse())
		})

		It("resets the retry counter on a manual retry", func() {
			opts.EnableAutoRetry = true
			opts.ReconnectAttempts = 1
			opts.ReconnectDelay = time.Second
			start()

			var opens atomic.Int32
			Expect(reg.Start("s1", failingSource(&opens))).To(Succeed())
			Eventually(rec.retryCalls).Should(HaveLen(1))
			fake.Advance(time.Second)
			Eventually(rec.done).Should(Receive(Equal("s1")))

			Expect(reg.Retry("s1")).To(Succeed())
			Eventually(rec.retryCalls).Should(HaveLen(2))
			Expect(rec.retryCalls()[1]).To(Equal(retryCall{attempt: 1, delay: time.Second}))
		})
	})

	Describe("Retry", func() {
		It("reopens the source with a fresh state", func() {
			start()

			var opens atomic.Int32
			src := source.Func(func(ctx context.Context) (source.Handle, error) {
				if opens.Add(1) == 1 {
					return nil, errors.New("connection refused")
				}
				return source.Static(stream.TextDelta("ok")).Open(ctx)
			})
			Expect(reg.Start("s1", src)).To(Succeed())
			Eventually(rec.done).Should(Receive(Equal("s1")))
			Expect(rec.err("s1")).To(HaveOccurred())

			Expect(reg.Retry("missing")).To(MatchError(multiplexer.ErrStreamNotFound))
			Expect(reg.Retry("s1")).To(Succeed())
			Eventually(rec.done).Should(Receive(Equal("s1")))

			msg, ok := rec.message("s1")
			Expect(ok).To(BeTrue())
			Expect(msg.Text).To(Equal("ok"))

			snap, _ := reg.Get("s1")
			Expect(snap.Status).To(Equal(multiplexer.StatusCompleted))
			Expect(snap.Attempt).To(Equal(0))
		})

		It("refuses a running stream", func() {
			start()
			Expect(reg.Start("s1", &pipeSource{})).To(Succeed())
			Expect(reg.Retry("s1")).To(MatchError(multiplexer.ErrNotTerminal))
		})

		It("fails when the source cannot be reopened", func() {
			start()
			ch := make(chan stream.Event, 1)
			ch <- stream.ErrorEvent("boom")
			close(ch)

			Expect(reg.Start("s1", source.Chan(ch))).To(Succeed())
			Eventually(rec.done).Should(Receive(Equal("s1")))

			Expect(reg.Retry("s1")).To(Succeed())
			Eventually(rec.done).Should(Receive(Equal("s1")))
			Expect(rec.err("s1")).To(MatchError(source.ErrNotReplayable))
		})
	})

	Describe("Progress", func() {
		It("grows with elapsed time and caps at 90 while streaming", func() {
			opts.ConnectionTimeout = 30 * time.Second
			start()

			Expect(reg.Progress("missing")).To(Equal(0.0))
			Expect(reg.Start("s1", &pipeSource{})).To(Succeed())
			Expect(reg.Progress("s1")).To(Equal(0.0))

			fake.Advance(15 * time.Second)
			Expect(reg.Progress("s1")).To(BeNumerically("~", 50, 0.001))

			fake.Advance(time.Minute)
			Expect(reg.Progress("s1")).To(Equal(90.0))
		})
	})

	Describe("concurrent use", func() {
		It("estimates progress while the stream is being retried", func() {
			start()

			var opens atomic.Int32
			Expect(reg.Start("s1", failingSource(&opens))).To(Succeed())
			Eventually(rec.done).Should(Receive(Equal("s1")))

			stop := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
						_ = reg.Progress("s1")
					}
				}
			}()

			for range 50 {
				Expect(reg.Retry("s1")).To(Succeed())
				Eventually(rec.done).Should(Receive(Equal("s1")))
			}
			close(stop)
			wg.Wait()

			Expect(opens.Load()).To(Equal(int32(51)))
			Expect(reg.Progress("s1")).To(Equal(0.0))
		})
	})

	Describe("retention", func() {
		It("forgets a completed stream after the retention period", func() {
			opts.Retention = time.Minute
			start()

			Expect(reg.Start("s1", source.Static(stream.TextDelta("x")))).To(Succeed())
			Eventually(rec.done).Should(Receive(Equal("s1")))

			fake.Advance(59 * time.Second)
			_, ok := reg.Get("s1")
			Expect(ok).To(BeTrue())

			fake.Advance(time.Second)
			_, ok = reg.Get("s1")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("fallback", func() {
		It("shows a fresher polled checkpoint while the primary is retrying", func() {
			opts.EnableAutoRetry = true
			opts.ReconnectDelay = time.Minute
			opts.EnableFallback = true
			opts.FallbackPollingInterval = time.Second
			polled := checkpointtest.New("m1", 3, "from poll")
			cfg.Fetcher = fallback.FetcherFunc(func(_ context.Context, id string) (*checkpoint.Checkpoint, error) {
				if id != "m1" {
					return nil, nil
				}
				return polled, nil
			})
			start()

			var opens atomic.Int32
			Expect(reg.Start("s1", failingSource(&opens), multiplexer.WithMessageID("m1"))).To(Succeed())
			Eventually(func() bool { return reg.FallbackEnabled("m1") }).Should(BeTrue())

			fake.Advance(time.Second)

			snap, _ := reg.Get("s1")
			Expect(snap.FromFallback).To(BeTrue())
			Expect(snap.State.Text).To(Equal("from poll"))

			msg, ok := reg.Message("m1")
			Expect(ok).To(BeTrue())
			Expect(msg.Text).To(Equal("from poll"))
		})

		It("refuses manual polling when fallback is disabled", func() {
			cfg.Fetcher = fallback.FetcherFunc(func(context.Context, string) (*checkpoint.Checkpoint, error) {
				return nil, nil
			})
			start()
			Expect(reg.EnableFallback("m1")).To(BeFalse())

			o := reg.Options()
			o.EnableFallback = true
			reg.SetOptions(o)
			Expect(reg.EnableFallback("m1")).To(BeTrue())
			Expect(reg.FallbackEnabled("m1")).To(BeTrue())

			reg.DisableFallback("m1")
			Expect(reg.FallbackEnabled("m1")).To(BeFalse())
		})
	})

	Describe("persistence", func() {
		It("stores the final checkpoint and publishes lifecycle events", func() {
			driver := inmemory.NewDriver()
			pool, err := worker.NewPool(&worker.Config{
				Driver:    driver,
				Publisher: nop.NewPublisher(),
				Logger:    logger.Nop(),
			})
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(pool.Close)

			opts.CheckpointEvery = 1
			cfg.Pool = pool
			start()

			Expect(reg.Start("s1", source.Static(stream.TextDelta("x"), stream.Finish(nil, "stop")), multiplexer.WithMessageID("m1"))).To(Succeed())
			Eventually(rec.done).Should(Receive(Equal("s1")))

			Eventually(func() bool {
				cp, err := driver.Get(context.Background(), "m1")
				return err == nil && cp.Final
			}).Should(BeTrue())

			cp, err := driver.Get(context.Background(), "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(cp.StreamID).To(Equal("s1"))
			Expect(cp.State.Text).To(Equal("x"))
			Expect(cp.Revision).To(Equal(2))
		})

		It("never stores a checkpoint for an event that did not advance the state", func() {
			driver := inmemory.NewDriver()
			pool, err := worker.NewPool(&worker.Config{Driver: driver, Logger: logger.Nop()})
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(pool.Close)

			opts.CheckpointEvery = 1
			cfg.Pool = pool
			start()

			p := &pipeSource{}
			Expect(reg.Start("s1", p, multiplexer.WithMessageID("m1"))).To(Succeed())
			Eventually(p.last).ShouldNot(BeNil())
			p.last().send(stream.Event{Type: stream.EventType("annotation")})

			Consistently(func() bool {
				_, err := driver.Get(context.Background(), "m1")
				return checkpoint.IsNotFound(err)
			}, 100*time.Millisecond).Should(BeTrue())

			p.last().send(stream.TextDelta("a"))
			Eventually(func() int {
				cp, err := driver.Get(context.Background(), "m1")
				if err != nil {
					return -1
				}
				return cp.Revision
			}).Should(Equal(1))
		})

		Context("with a retention period", func() {
			var driver *inmemory.Driver

			BeforeEach(func() {
				driver = inmemory.NewDriver()
				pool, err := worker.NewPool(&worker.Config{Driver: driver, Logger: logger.Nop()})
				Expect(err).NotTo(HaveOccurred())
				DeferCleanup(pool.Close)

				opts.Retention = time.Minute
				cfg.Pool = pool
			})

			stored := func(messageID string) func() bool {
				return func() bool {
					_, err := driver.Get(context.Background(), messageID)
					return err == nil
				}
			}

			It("deletes the checkpoint of an expired stream", func() {
				start()

				Expect(reg.Start("s1", source.Static(stream.TextDelta("x")), multiplexer.WithMessageID("m1"))).To(Succeed())
				Eventually(rec.done).Should(Receive(Equal("s1")))
				Eventually(stored("m1")).Should(BeTrue())

				fake.Advance(time.Minute)
				_, ok := reg.Get("s1")
				Expect(ok).To(BeFalse())
				Eventually(stored("m1")).Should(BeFalse())
			})

			It("prunes checkpoints of failed streams once they are older than the period", func() {
				start()

				var opens atomic.Int32
				Expect(reg.Start("s1", failingSource(&opens), multiplexer.WithMessageID("m1"))).To(Succeed())
				Eventually(rec.done).Should(Receive(Equal("s1")))
				Eventually(stored("m1")).Should(BeTrue())

				fake.Advance(time.Minute)
				Consistently(stored("m1"), 50*time.Millisecond).Should(BeTrue())

				fake.Advance(time.Minute)
				Eventually(stored("m1")).Should(BeFalse())
			})
		})
	})

	Describe("New", func() {
		It("keeps the toggles of otherwise zero options", func() {
			reg = multiplexer.New(multiplexer.Config{
				Options: multiplexer.Options{},
				Logger:  logger.Nop(),
			})

			o := reg.Options()
			Expect(o.EnableAutoRetry).To(BeFalse())
			Expect(o.EnableFallback).To(BeFalse())
			Expect(o.MaxConcurrentStreams).To(Equal(5))
			Expect(o.ReconnectDelay).To(Equal(time.Second))
			Expect(o.CheckpointEvery).To(Equal(8))
		})
	})
})
