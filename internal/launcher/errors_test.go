package launcher

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Error", func() {
	It("serializes as code:reason", func() {
		Expect(ErrServerLimitReached.String()).To(Equal("552:Max instances reached. Could not create session."))
		Expect(ErrServerLimitReached.Error()).To(Equal(ErrServerLimitReached.String()))
	})

	DescribeTable("ParseError",
		func(in string, wantCode int, wantReason string) {
			e := ParseError(in)
			Expect(e).NotTo(BeNil())
			Expect(e.Code).To(Equal(wantCode))
			Expect(e.Reason).To(Equal(wantReason))
		},
		Entry("serialized launch error", "551:Unable to launch session within time limit.", 551, "Unable to launch session within time limit."),
		Entry("reason containing the delimiter", "553:limit: 2", 553, "limit: 2"),
		Entry("no delimiter", "something broke", CodeInternal, "something broke"),
		Entry("non-numeric code", "abc:broken", CodeInternal, "abc:broken"),
	)

	It("parses blank input as no error", func() {
		Expect(ParseError("")).To(BeNil())
		Expect(ParseError("  ")).To(BeNil())
	})

	It("matches constants by code after a round trip", func() {
		parsed := ParseError(ErrUserNoSessions.String())
		Expect(errors.Is(parsed, ErrUserNoSessions)).To(BeTrue())
		Expect(errors.Is(parsed, ErrUserLimitReached)).To(BeFalse())

		wrapped := fmt.Errorf("launch: %w", parsed)
		e, ok := AsError(wrapped)
		Expect(ok).To(BeTrue())
		Expect(e.Code).To(Equal(554))
	})
})
