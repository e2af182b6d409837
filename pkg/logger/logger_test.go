package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/spool/pkg/logger"
)

func decodeLine(buf *bytes.Buffer) map[string]any {
	var parsed map[string]any
	Expect(json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &parsed)).To(Succeed())
	return parsed
}

var _ = Describe("Logger", func() {
	Describe("New", func() {
		It("writes text records with attributes", func() {
			var buf bytes.Buffer
			l := logger.New(logger.WithWriter(&buf))
			l.Info("stream started", "stream_id", "s1")

			Expect(buf.String()).To(ContainSubstring("stream started"))
			Expect(buf.String()).To(ContainSubstring("stream_id=s1"))
		})

		It("drops debug records unless debug is enabled", func() {
			var quiet, loud bytes.Buffer
			logger.New(logger.WithWriter(&quiet)).Debug("hidden")
			logger.New(logger.WithWriter(&loud), logger.WithDebug(true)).Debug("shown")

			Expect(quiet.String()).To(BeEmpty())
			Expect(loud.String()).To(ContainSubstring("shown"))
		})

		It("writes JSON records", func() {
			var buf bytes.Buffer
			l := logger.New(logger.WithWriter(&buf), logger.WithJSON(true))
			l.Info("admitted", "active", 3)

			parsed := decodeLine(&buf)
			Expect(parsed["msg"]).To(Equal("admitted"))
			Expect(parsed["active"]).To(BeNumerically("==", 3))
		})

		It("writes pretty records", func() {
			var buf bytes.Buffer
			l := logger.New(logger.WithWriter(&buf), logger.WithPretty(true))
			l.Warn("retry scheduled")

			Expect(buf.String()).To(ContainSubstring("retry scheduled"))
		})

		It("writes to every configured writer", func() {
			var a, b bytes.Buffer
			logger.New(logger.WithWriters(&a, &b)).Info("both")

			Expect(a.String()).To(ContainSubstring("both"))
			Expect(b.String()).To(ContainSubstring("both"))
		})

		It("nests grouped attributes", func() {
			var buf bytes.Buffer
			l := logger.New(logger.WithWriter(&buf), logger.WithJSON(true))
			l.WithGroup("conn").Info("transition", "status", "error")

			group, ok := decodeLine(&buf)["conn"].(map[string]any)
			Expect(ok).To(BeTrue())
			Expect(group["status"]).To(Equal("error"))
		})
	})

	Describe("Nop", func() {
		It("is disabled at every level", func() {
			l := logger.Nop()
			Expect(l.Handler().Enabled(context.Background(), slog.LevelError)).To(BeFalse())
			Expect(func() { l.With("k", "v").Error("x") }).NotTo(Panic())
		})

		It("backs OrNop for nil loggers", func() {
			Expect(logger.OrNop(nil)).NotTo(BeNil())
			l := logger.Nop()
			Expect(logger.OrNop(l)).To(BeIdenticalTo(l))
		})
	})

	Describe("Multi", func() {
		It("fans records out to every logger", func() {
			var a, b bytes.Buffer
			m := logger.Multi(logger.New(logger.WithWriter(&a)), logger.New(logger.WithWriter(&b), logger.WithJSON(true)))
			m.Info("broadcast", "k", "v")

			Expect(a.String()).To(ContainSubstring("broadcast"))
			Expect(decodeLine(&b)["k"]).To(Equal("v"))
		})

		It("carries With attributes into every handler", func() {
			var buf bytes.Buffer
			m := logger.Multi(logger.New(logger.WithWriter(&buf), logger.WithJSON(true)))
			m.With("component", "registry").Info("hello")

			Expect(decodeLine(&buf)["component"]).To(Equal("registry"))
		})

		It("skips handlers that do not accept the level", func() {
			var info, debug bytes.Buffer
			m := logger.Multi(
				logger.New(logger.WithWriter(&info)),
				logger.New(logger.WithWriter(&debug), logger.WithDebug(true)),
			)
			m.Debug("detail")

			Expect(info.String()).To(BeEmpty())
			Expect(debug.String()).To(ContainSubstring("detail"))
		})
	})
})
