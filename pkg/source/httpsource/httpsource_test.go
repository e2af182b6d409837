package httpsource

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/spool/pkg/source"
	"github.com/papercomputeco/spool/pkg/stream"
)

const sseBody = "data: {\"type\":\"text-delta\",\"textDelta\":\"Hel\"}\n\n" +
	"data: {\"type\":\"text-delta\",\"textDelta\":\"lo\"}\n\n" +
	"data: {\"type\":\"finish\",\"finishReason\":\"stop\",\"usage\":{\"totalTokens\":7}}\n\n" +
	"data: [DONE]\n\n"

func reduceAll(h source.Handle) stream.State {
	s := stream.NewState()
	for {
		ev, err := h.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return s
		}
		Expect(err).NotTo(HaveOccurred())
		s = stream.Reduce(s, ev)
	}
}

var _ = Describe("Source", func() {
	var (
		upstream *httptest.Server
		requests atomic.Int32

		mu       sync.Mutex
		lastReq  *http.Request
		lastBody []byte
	)

	last := func() (*http.Request, []byte) {
		mu.Lock()
		defer mu.Unlock()
		return lastReq, lastBody
	}

	BeforeEach(func() {
		requests.Store(0)
		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			lastReq, lastBody = r.Clone(context.Background()), body
			mu.Unlock()

			if r.URL.Path == "/fail" {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte("upstream down"))
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = w.Write([]byte(sseBody))
		}))
	})

	AfterEach(func() {
		upstream.Close()
	})

	It("streams and decodes events", func() {
		src := New(Request{URL: upstream.URL + "/chat", Body: []byte(`{"q":1}`)})
		h, err := src.Open(context.Background())
		Expect(err).NotTo(HaveOccurred())
		defer h.Release()

		s := reduceAll(h)
		Expect(s.Text).To(Equal("Hello"))
		Expect(s.TokenCount).To(Equal(7))
		Expect(s.IsStreaming).To(BeFalse())

		lastReq, lastBody := last()
		Expect(lastReq.Method).To(Equal(http.MethodPost))
		Expect(lastReq.Header.Get("Accept")).To(Equal("text/event-stream"))
		Expect(lastReq.Header.Get("Content-Type")).To(Equal("application/json"))
		Expect(string(lastBody)).To(Equal(`{"q":1}`))
	})

	It("issues a new request on every Open", func() {
		src := New(Request{URL: upstream.URL})
		for range 2 {
			h, err := src.Open(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(reduceAll(h).Text).To(Equal("Hello"))
			Expect(h.Release()).To(Succeed())
		}
		Expect(requests.Load()).To(Equal(int32(2)))
		lastReq, _ := last()
		Expect(lastReq.Method).To(Equal(http.MethodGet))
	})

	It("forwards caller headers except hop-by-hop ones", func() {
		src := New(Request{
			URL: upstream.URL,
			Header: http.Header{
				"Authorization": {"Bearer t"},
				"Connection":    {"close"},
				"x-custom":      {"1"},
			},
		})
		h, err := src.Open(context.Background())
		Expect(err).NotTo(HaveOccurred())
		defer h.Release()

		lastReq, _ := last()
		Expect(lastReq.Header.Get("Authorization")).To(Equal("Bearer t"))
		Expect(lastReq.Header.Get("X-Custom")).To(Equal("1"))
	})

	It("returns a StatusError for non-2xx responses", func() {
		_, err := New(Request{URL: upstream.URL + "/fail"}).Open(context.Background())

		var se *StatusError
		Expect(errors.As(err, &se)).To(BeTrue())
		Expect(se.StatusCode).To(Equal(http.StatusBadGateway))
		Expect(se.Body).To(Equal("upstream down"))
	})

	It("records the raw wire bytes", func() {
		var rec bytes.Buffer
		h, err := New(Request{URL: upstream.URL}, WithRecorder(&rec)).Open(context.Background())
		Expect(err).NotTo(HaveOccurred())
		reduceAll(h)
		Expect(h.Release()).To(Succeed())

		Expect(rec.String()).To(Equal(sseBody))
	})

	It("fails to open against an unreachable upstream", func() {
		url := upstream.URL
		upstream.Close()

		_, err := New(Request{URL: url}).Open(context.Background())
		Expect(err).To(HaveOccurred())
	})
})
