package infrastructure_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"svontai_router/internal/entities"
	"svontai_router/internal/infrastructure"
)

func newRedis() (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(GinkgoT())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	DeferCleanup(client.Close)
	return mr, client
}

var _ = Describe("RedisUsageStore", func() {
	var (
		ctx   context.Context
		store *infrastructure.RedisUsageStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		_, client := newRedis()
		store = infrastructure.NewRedisUsageStore(client)
	})

	It("denies the reservation that would pass the limit", func() {
		_, err := store.Add(ctx, "t1", "2026-10", entities.UsageMessages, 999)
		Expect(err).NotTo(HaveOccurred())

		res, err := store.Reserve(ctx, "t1", "2026-10", entities.UsageMessages, 1, 1000)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Allowed).To(BeTrue())
		Expect(res.Value).To(Equal(int64(1000)))

		res, err = store.Reserve(ctx, "t1", "2026-10", entities.UsageMessages, 1, 1000)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Allowed).To(BeFalse())
		Expect(res.Value).To(Equal(int64(1000)))
	})

	It("admits exactly the limit under concurrency", func() {
		var allowed atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				res, err := store.Reserve(ctx, "t1", "2026-10", entities.UsageWorkflowRuns, 1, 25)
				Expect(err).NotTo(HaveOccurred())
				if res.Allowed {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()
		Expect(allowed.Load()).To(Equal(int64(25)))
	})

	It("does not cap unlimited kinds", func() {
		res, err := store.Reserve(ctx, "t1", "2026-10", entities.UsageToolCalls, 5000, -1)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Allowed).To(BeTrue())
	})

	It("returns a snapshot of all kinds", func() {
		store.Add(ctx, "t1", "2026-10", entities.UsageMessages, 3)
		store.Add(ctx, "t1", "2026-10", entities.UsageVoiceSeconds, 95)

		snap, err := store.Snapshot(ctx, "t1", "2026-10")
		Expect(err).NotTo(HaveOccurred())
		Expect(snap).To(HaveKeyWithValue(entities.UsageMessages, int64(3)))
		Expect(snap).To(HaveKeyWithValue(entities.UsageVoiceSeconds, int64(95)))
	})
})

var _ = Describe("RedisLedger", func() {
	var (
		ctx    context.Context
		mr     *miniredis.Miniredis
		ledger *infrastructure.RedisLedger
	)

	BeforeEach(func() {
		ctx = context.Background()
		var client *redis.Client
		mr, client = newRedis()
		ledger = infrastructure.NewRedisLedger(client)
	})

	It("claims an event id once until the ttl passes", func() {
		ok, err := ledger.Claim(ctx, "t1", "wamid.1", time.Hour)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		ok, _ = ledger.Claim(ctx, "t1", "wamid.1", time.Hour)
		Expect(ok).To(BeFalse())

		mr.FastForward(2 * time.Hour)
		ok, _ = ledger.Claim(ctx, "t1", "wamid.1", time.Hour)
		Expect(ok).To(BeTrue())
	})

	It("forgets a released claim", func() {
		ok, _ := ledger.Claim(ctx, "t1", "wamid.2", time.Hour)
		Expect(ok).To(BeTrue())
		Expect(ledger.Release(ctx, "t1", "wamid.2")).To(Succeed())

		ok, err := ledger.Claim(ctx, "t1", "wamid.2", time.Hour)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
	})

	It("includes the bucket the window starts in", func() {
		since := time.Now().Add(-24 * time.Hour)
		Expect(ledger.RecordFailure(ctx, "t1", since.Add(time.Second))).To(Succeed())

		n, err := ledger.FailuresSince(ctx, "t1", since)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1)))
	})

	It("sums recent failure buckets", func() {
		now := time.Now()
		Expect(ledger.RecordFailure(ctx, "t1", now)).To(Succeed())
		Expect(ledger.RecordFailure(ctx, "t1", now)).To(Succeed())
		Expect(ledger.RecordFailure(ctx, "t2", now)).To(Succeed())

		n, err := ledger.FailuresSince(ctx, "t1", now.Add(-24*time.Hour))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(2)))
	})
})
