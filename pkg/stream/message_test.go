package stream_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/spool/pkg/stream"
)

var _ = Describe("State.Message", func() {
	It("orders parts text, reasoning, sources, tools regardless of arrival", func() {
		s := fold(
			stream.ToolCallEvent("t2", "b", nil),
			stream.SourceEvent(stream.Source{ID: "s"}),
			stream.ToolCallEvent("t1", "a", nil),
			stream.Reasoning("why"),
			stream.TextDelta("answer"),
		)

		msg := s.Message("m1")
		Expect(msg.ID).To(Equal("m1"))
		Expect(msg.Role).To(Equal("assistant"))
		Expect(msg.Text).To(Equal("answer"))

		types := make([]string, 0, len(msg.Parts))
		for _, p := range msg.Parts {
			types = append(types, p.Type)
		}
		Expect(types).To(Equal([]string{
			stream.PartText,
			stream.PartReasoning,
			stream.PartSource,
			stream.PartToolInvocation,
			stream.PartToolInvocation,
		}))
		Expect(msg.Parts[3].ToolInvocation.ID).To(Equal("t2"))
		Expect(msg.Parts[4].ToolInvocation.ID).To(Equal("t1"))
	})

	It("omits the text part for empty text", func() {
		Expect(stream.NewState().Message("m").Parts).To(BeEmpty())
	})
})
