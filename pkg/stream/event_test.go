package stream_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/spool/pkg/stream"
)

var _ = Describe("Decode", func() {
	It("decodes text deltas", func() {
		ev, err := stream.Decode([]byte(`{"type":"text-delta","textDelta":"hi"}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(ev).To(Equal(stream.TextDelta("hi")))
	})

	It("decodes tool call deltas", func() {
		ev, err := stream.Decode([]byte(`{"type":"tool-call-delta","toolCallId":"t1","argsTextDelta":"{\"a\""}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.Type).To(Equal(stream.TypeToolCallDelta))
		Expect(ev.ToolCallID).To(Equal("t1"))
		Expect(ev.ArgsTextDelta).To(Equal(`{"a"`))
	})

	It("decodes finish usage", func() {
		ev, err := stream.Decode([]byte(`{"type":"finish","finishReason":"stop","usage":{"promptTokens":1,"completionTokens":2,"totalTokens":3}}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.Usage).To(Equal(&stream.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}))
		Expect(ev.FinishReason).To(Equal("stop"))
	})

	It("passes unknown types through", func() {
		ev, err := stream.Decode([]byte(`{"type":"step-finish"}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.Type.Known()).To(BeFalse())
	})

	It("rejects malformed payloads", func() {
		_, err := stream.Decode([]byte(`{"type":`))
		Expect(err).To(HaveOccurred())
	})

	It("rejects payloads without a type", func() {
		_, err := stream.Decode([]byte(`{"textDelta":"x"}`))
		Expect(err).To(MatchError(ContainSubstring("missing type")))
	})
})
