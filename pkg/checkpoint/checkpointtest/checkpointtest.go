// Package checkpointtest holds the behavior every checkpoint.Driver must
// share, as reusable ginkgo specs.
package checkpointtest

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/spool/pkg/checkpoint"
	"github.com/papercomputeco/spool/pkg/stream"
)

// New returns a checkpoint with text folded into its state at the given
// revision.
func New(messageID string, revision int, text string) *checkpoint.Checkpoint {
	s := stream.Reduce(stream.NewState(), stream.TextDelta(text))
	s.Revision = revision
	return &checkpoint.Checkpoint{
		MessageID: messageID,
		StreamID:  "stream-" + messageID,
		State:     s,
		Revision:  revision,
		UpdatedAt: time.Unix(1_700_000_000, 0).Add(time.Duration(revision) * time.Second),
	}
}

// DriverSpecs registers the behavior every checkpoint.Driver must share.
// newDriver is called before each It.
func DriverSpecs(newDriver func() checkpoint.Driver) {
	var (
		driver checkpoint.Driver
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = newDriver()
	})

	AfterEach(func() {
		if driver != nil {
			Expect(driver.Close()).To(Succeed())
			driver = nil
		}
	})

	Describe("Put and Get", func() {
		It("stores and retrieves a checkpoint", func() {
			written, err := driver.Put(ctx, New("m1", 3, "hello"))
			Expect(err).NotTo(HaveOccurred())
			Expect(written).To(BeTrue())

			cp, err := driver.Get(ctx, "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(cp.StreamID).To(Equal("stream-m1"))
			Expect(cp.Revision).To(Equal(3))
			Expect(cp.State.Text).To(Equal("hello"))
			Expect(cp.State.IsStreaming).To(BeTrue())
			Expect(cp.UpdatedAt.Equal(time.Unix(1_700_000_003, 0))).To(BeTrue())
		})

		It("returns NotFoundError for an unknown message", func() {
			_, err := driver.Get(ctx, "missing")
			Expect(checkpoint.IsNotFound(err)).To(BeTrue())
		})

		It("rejects nil checkpoints", func() {
			_, err := driver.Put(ctx, nil)
			Expect(err).To(MatchError(checkpoint.ErrNilCheckpoint))
		})
	})

	Describe("revision ordering", func() {
		It("replaces a checkpoint with a higher revision", func() {
			_, err := driver.Put(ctx, New("m1", 1, "a"))
			Expect(err).NotTo(HaveOccurred())

			written, err := driver.Put(ctx, New("m1", 2, "ab"))
			Expect(err).NotTo(HaveOccurred())
			Expect(written).To(BeTrue())

			cp, err := driver.Get(ctx, "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(cp.State.Text).To(Equal("ab"))
		})

		It("keeps the stored checkpoint when an older revision arrives", func() {
			_, err := driver.Put(ctx, New("m1", 5, "newer"))
			Expect(err).NotTo(HaveOccurred())

			written, err := driver.Put(ctx, New("m1", 4, "older"))
			Expect(err).NotTo(HaveOccurred())
			Expect(written).To(BeFalse())

			written, err = driver.Put(ctx, New("m1", 5, "same"))
			Expect(err).NotTo(HaveOccurred())
			Expect(written).To(BeFalse())

			cp, err := driver.Get(ctx, "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(cp.State.Text).To(Equal("newer"))
		})

		It("always writes a final checkpoint", func() {
			_, err := driver.Put(ctx, New("m1", 9, "first attempt"))
			Expect(err).NotTo(HaveOccurred())

			final := New("m1", 2, "retried")
			final.Final = true
			written, err := driver.Put(ctx, final)
			Expect(err).NotTo(HaveOccurred())
			Expect(written).To(BeTrue())

			cp, err := driver.Get(ctx, "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(cp.Final).To(BeTrue())
			Expect(cp.State.Text).To(Equal("retried"))
		})

		It("never replaces a final checkpoint with a non-final one", func() {
			final := New("m1", 2, "done")
			final.Final = true
			_, err := driver.Put(ctx, final)
			Expect(err).NotTo(HaveOccurred())

			written, err := driver.Put(ctx, New("m1", 9, "stale attempt"))
			Expect(err).NotTo(HaveOccurred())
			Expect(written).To(BeFalse())

			cp, err := driver.Get(ctx, "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(cp.State.Text).To(Equal("done"))
		})
	})

	Describe("List, Delete and Prune", func() {
		BeforeEach(func() {
			for i, id := range []string{"a", "b", "c"} {
				_, err := driver.Put(ctx, New(id, i+1, id))
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("lists most recently updated first", func() {
			cps, err := driver.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(cps).To(HaveLen(3))
			Expect(cps[0].MessageID).To(Equal("c"))
			Expect(cps[2].MessageID).To(Equal("a"))
		})

		It("deletes idempotently", func() {
			Expect(driver.Delete(ctx, "b")).To(Succeed())
			Expect(driver.Delete(ctx, "b")).To(Succeed())

			_, err := driver.Get(ctx, "b")
			Expect(checkpoint.IsNotFound(err)).To(BeTrue())
		})

		It("prunes checkpoints older than the cutoff", func() {
			n, err := driver.Prune(ctx, time.Unix(1_700_000_003, 0))
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))

			cps, err := driver.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(cps).To(HaveLen(1))
			Expect(cps[0].MessageID).To(Equal("c"))
		})
	})
}
