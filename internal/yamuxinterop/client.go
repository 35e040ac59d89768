package yamuxinterop

import (
	"context"
	"sync"
	"sync/atomic"

	hyamux "github.com/hashicorp/yamux"
)

// RunClient drives the opposite side of a scenario RunServer is handling on
// sess's peer: it opens scenario.Streams streams and writes
// scenario.BytesPerStream bytes to each, mirroring what the original
// cross-language interop harness expected of its TypeScript client. Kept here
// so a scenario can be exercised end-to-end from a single Go process (see
// runner_test.go) instead of only ever running half the protocol.
func RunClient(ctx context.Context, sess *hyamux.Session, scenario Scenario) (Result, error) {
	var res Result
	var wg sync.WaitGroup
	var firstErrOnce sync.Once
	var firstErr error

	setErr := func(err error) {
		if err == nil {
			return
		}
		firstErrOnce.Do(func() { firstErr = err })
	}

	for i := 0; i < scenario.Streams; i++ {
		stream, err := sess.OpenStream()
		if err != nil {
			setErr(err)
			break
		}
		wg.Add(1)
		go func(s *hyamux.Stream) {
			defer wg.Done()
			total := scenario.BytesPerStream
			if scenario.Scenario == ScenarioRstMidWriteGo && scenario.RstAfterBytes > 0 {
				total = scenario.RstAfterBytes
			}
			if err := writeExactly(ctx, s, total, scenario.ChunkBytes, scenario.WriteDelayMs, &res); err != nil {
				setErr(err)
			}
			atomic.AddInt64(&res.StreamsHandled, 1)
			_ = s.Close()
		}(stream)
	}

	wg.Wait()
	if firstErr != nil {
		res.FirstError = firstErr.Error()
		return res, firstErr
	}
	return res, nil
}
