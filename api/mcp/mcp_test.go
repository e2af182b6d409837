package mcp

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/spool/multiplexer"
	"github.com/papercomputeco/spool/pkg/logger"
	"github.com/papercomputeco/spool/pkg/source"
	"github.com/papercomputeco/spool/pkg/stream"
)

var _ = Describe("MCP Server", func() {
	var (
		server   *Server
		registry *multiplexer.Registry
		ctx      context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		opts := multiplexer.DefaultOptions()
		opts.EnableAutoRetry = false
		registry = multiplexer.New(multiplexer.Config{Options: opts, Logger: logger.Nop()})

		var err error
		server, err = NewServer(Config{
			Registry: registry,
			Logger:   logger.Nop(),
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		registry.Close()
	})

	Describe("NewServer", func() {
		It("returns an error when registry is nil", func() {
			_, err := NewServer(Config{Logger: logger.Nop()})
			Expect(err).To(MatchError(ContainSubstring("registry is required")))
		})

		It("returns an error when logger is nil", func() {
			_, err := NewServer(Config{Registry: registry})
			Expect(err).To(MatchError(ContainSubstring("logger is required")))
		})

		It("creates an empty server in noop mode", func() {
			s, err := NewServer(Config{Noop: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Handler()).NotTo(BeNil())
		})

		It("returns an HTTP handler", func() {
			Expect(server.Handler()).NotTo(BeNil())
		})
	})

	Describe("stream tools", func() {
		BeforeEach(func() {
			Expect(registry.Start("s1", source.Static(
				stream.TextDelta("hello there"),
				stream.ToolCallEvent("t1", "search", []byte(`{"q":"x"}`)),
				stream.Finish(nil, "stop"),
			))).To(Succeed())
			Eventually(func() multiplexer.Status {
				snap, _ := registry.Get("s1")
				return snap.Status
			}).Should(Equal(multiplexer.StatusCompleted))
		})

		It("lists streams", func() {
			result, out, err := server.handleListStreams(ctx, nil, ListStreamsInput{})
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(BeNil())
			Expect(out.Count).To(Equal(1))
			Expect(out.CompletedStreams).To(Equal(1))
			Expect(out.TotalTokens).To(Equal(2))
			Expect(out.Streams[0].StreamID).To(Equal("s1"))
			Expect(out.Streams[0].Status).To(Equal("completed"))
			Expect(out.Streams[0].Progress).To(Equal(100.0))
		})

		It("gets one stream", func() {
			result, out, err := server.handleGetStream(ctx, nil, StreamInput{StreamID: "s1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(BeNil())
			Expect(out.Stream.Text).To(Equal("hello there"))
			Expect(out.Stream.ToolCalls).To(Equal(1))
		})

		It("reports unknown streams as tool errors", func() {
			result, _, err := server.handleGetStream(ctx, nil, StreamInput{StreamID: "nope"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.IsError).To(BeTrue())

			result, out, err := server.handleStopStream(ctx, nil, StreamInput{StreamID: "nope"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.IsError).To(BeTrue())
			Expect(out.Stopped).To(BeFalse())
		})

		It("stops a stream", func() {
			result, out, err := server.handleStopStream(ctx, nil, StreamInput{StreamID: "s1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(BeNil())
			Expect(out.Stopped).To(BeTrue())

			_, ok := registry.Get("s1")
			Expect(ok).To(BeFalse())
		})
	})
})
