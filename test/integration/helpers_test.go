package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/market-sizer/internal/controller"
	"github.com/ChuLiYu/market-sizer/internal/metrics"
	"github.com/ChuLiYu/market-sizer/internal/provider/providertest"
	"github.com/ChuLiYu/market-sizer/internal/ratelimit"
	"github.com/ChuLiYu/market-sizer/internal/runner"
	"github.com/ChuLiYu/market-sizer/internal/segmenter"
	"github.com/ChuLiYu/market-sizer/internal/store"
	"github.com/ChuLiYu/market-sizer/pkg/search"
)

// marketSubmission sizes the companies matching filters plus one person
// query per company.
func marketSubmission(name string, filters search.Filters) search.Submission {
	return search.Submission{
		Name:    name,
		Mode:    search.ModeDetailed,
		Company: &search.Definition{Kind: search.KindCompany, Filters: filters},
		People:  []search.Definition{{Kind: search.KindPerson, Name: "engineers", Filters: search.Filters{}}},
	}
}

// newService builds a started service. The limiter runs on a fake clock so
// no test waits on real rate windows.
func newService(t testing.TB, st store.Store, handler providertest.Handler, seg *segmenter.Segmenter, workers int) (*controller.Service, *providertest.Fake) {
	t.Helper()
	fake := &providertest.Fake{Handler: handler}
	clock := ratelimit.NewFakeClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))

	svc, err := controller.New(controller.Deps{
		Store:     st,
		Client:    fake,
		Limiter:   ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithClock(clock)),
		Segmenter: seg,
		Metrics:   metrics.NewCollector(),
		Clock:     clock,
	}, controller.Config{
		Runner: runner.Config{Workers: workers, BackoffBase: time.Millisecond, FlushInterval: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	return svc, fake
}

func closeService(svc *controller.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = svc.Close(ctx)
}
