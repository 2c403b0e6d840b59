package usecases_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"svontai_router/internal/entities"
	"svontai_router/internal/usecases"
)

var _ = Describe("Future", func() {
	It("returns the result when it arrives in time", func() {
		f := usecases.Go(context.Background(), func(context.Context) (string, error) { return "Merhaba", nil })
		v, err := f.Await(context.Background(), time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal("Merhaba"))
	})

	It("times out but keeps the work running", func() {
		f := usecases.Go(context.Background(), func(context.Context) (int, error) {
			time.Sleep(50 * time.Millisecond)
			return 7, nil
		})
		_, err := f.Await(context.Background(), 5*time.Millisecond)
		Expect(err).To(MatchError(entities.ErrDispatchTimedOut))

		v, err := f.Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(7))
	})

	It("reports caller cancellation", func() {
		f := usecases.NewFuture[int]()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.Await(ctx, time.Second)
		Expect(err).To(MatchError(entities.ErrCallerCancelled))
	})

	It("keeps the first resolution", func() {
		f := usecases.NewFuture[int]()
		Expect(f.Resolve(1, nil)).To(BeTrue())
		Expect(f.Resolve(2, errors.New("late"))).To(BeFalse())
		v, err := f.Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(1))
	})
})

var _ = Describe("RetryPolicy", func() {
	p := usecases.RetryPolicy{Base: 100 * time.Millisecond, Max: time.Second}

	DescribeTable("ShouldRetry",
		func(autoRetry bool, attempts, maxRetries int, want bool) {
			Expect(p.ShouldRetry(autoRetry, attempts, maxRetries)).To(Equal(want))
		},
		Entry("first failure with retries left", true, 1, 2, true),
		Entry("attempts reached max", true, 2, 2, false),
		Entry("auto retry off", false, 1, 5, false),
		Entry("zero max retries", true, 1, 0, false),
	)

	DescribeTable("Delay",
		func(attempts int, want time.Duration) {
			Expect(p.Delay(attempts)).To(Equal(want))
		},
		Entry("first retry", 1, 100*time.Millisecond),
		Entry("second retry", 2, 200*time.Millisecond),
		Entry("third retry", 3, 400*time.Millisecond),
		Entry("capped", 6, time.Second),
	)
})
