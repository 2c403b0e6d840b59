package usecases_test

import (
	"context"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"svontai_router/internal/entities"
	"svontai_router/internal/usecases"
)

var _ = Describe("Signer", func() {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	body := []byte(`{"event":"svontai_event","tenantId":"t1"}`)
	stamp := strconv.FormatInt(now.Unix(), 10)

	It("verifies its own signature", func() {
		s := usecases.NewSigner("secret-a", "", 5*time.Minute).WithClock(clock)
		Expect(s.Verify(body, s.Sign(body), stamp)).To(Succeed())
		Expect(s.Verify(body, "sha256="+s.Sign(body), stamp)).To(Succeed())
	})

	It("rejects a modified body", func() {
		s := usecases.NewSigner("secret-a", "", 5*time.Minute).WithClock(clock)
		sig := s.Sign(body)
		Expect(s.Verify(append(body, ' '), sig, stamp)).To(MatchError(entities.ErrSignatureInvalid))
	})

	It("accepts the previous secret during rotation", func() {
		old := usecases.NewSigner("secret-a", "", 5*time.Minute).WithClock(clock)
		rotated := usecases.NewSigner("secret-b", "secret-a", 5*time.Minute).WithClock(clock)
		Expect(rotated.Verify(body, old.Sign(body), stamp)).To(Succeed())
		Expect(rotated.Sign(body)).NotTo(Equal(old.Sign(body)))
	})

	It("enforces the timestamp window", func() {
		s := usecases.NewSigner("secret-a", "", 5*time.Minute).WithClock(clock)
		late := strconv.FormatInt(now.Add(-6*time.Minute).Unix(), 10)
		Expect(s.Verify(body, s.Sign(body), late)).To(MatchError(entities.ErrTimestampSkew))
		Expect(s.Verify(body, s.Sign(body), "yesterday")).To(MatchError(ContainSubstring("bad timestamp")))
	})
})

var _ = Describe("CallbackTokens", func() {
	ctx := context.Background()
	noSecret := func(context.Context, string) (string, error) { return "", nil }

	It("round-trips tenant, run and correlation", func() {
		tokens := usecases.NewCallbackTokens("platform", "")
		tok, exp, err := tokens.Issue("t1", "", "run-1", "corr-1", time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(exp).To(BeTemporally("~", time.Now().Add(time.Minute), time.Second))

		claims, err := tokens.Verify(ctx, tok, noSecret)
		Expect(err).NotTo(HaveOccurred())
		Expect(claims.TenantID).To(Equal("t1"))
		Expect(claims.RunID()).To(Equal("run-1"))
		Expect(claims.CorrelationID).To(Equal("corr-1"))
	})

	It("rejects expired tokens", func() {
		issued := time.Now().Add(-time.Hour)
		tok, _, err := usecases.NewCallbackTokens("platform", "").
			WithClock(func() time.Time { return issued }).
			Issue("t1", "", "run-1", "", time.Minute)
		Expect(err).NotTo(HaveOccurred())

		_, err = usecases.NewCallbackTokens("platform", "").Verify(ctx, tok, noSecret)
		Expect(err).To(MatchError(ContainSubstring("expired")))
	})

	It("keeps tokens valid across a platform secret rotation", func() {
		tok, _, err := usecases.NewCallbackTokens("old", "").Issue("t1", "", "run-1", "", time.Minute)
		Expect(err).NotTo(HaveOccurred())

		_, err = usecases.NewCallbackTokens("new", "old").Verify(ctx, tok, noSecret)
		Expect(err).NotTo(HaveOccurred())
		_, err = usecases.NewCallbackTokens("new", "").Verify(ctx, tok, noSecret)
		Expect(err).To(HaveOccurred())
	})

	It("binds tokens to the tenant's own secret", func() {
		tokens := usecases.NewCallbackTokens("platform", "")
		tok, _, err := tokens.Issue("t1", "tenant-secret", "run-1", "", time.Minute)
		Expect(err).NotTo(HaveOccurred())

		_, err = tokens.Verify(ctx, tok, func(context.Context, string) (string, error) { return "tenant-secret", nil })
		Expect(err).NotTo(HaveOccurred())
		_, err = tokens.Verify(ctx, tok, noSecret)
		Expect(err).To(MatchError(ContainSubstring(entities.ErrTokenInvalid.Error())))
	})
})
