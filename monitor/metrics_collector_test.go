package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/agentbus/contracts"
	"github.com/glimte/agentbus/interceptors"
	"github.com/glimte/agentbus/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	t.Run("NewCollector creates an empty collector", func(t *testing.T) {
		summary := NewCollector().Summary()

		assert.Empty(t, summary.MessageCounts)
		assert.Empty(t, summary.ErrorCounts)
		assert.Empty(t, summary.ProcessingStats)
		assert.Empty(t, summary.Traffic)
	})

	t.Run("IncrementMessageCount tracks messages", func(t *testing.T) {
		collector := NewCollector()

		collector.IncrementMessageCount("USER_QUERY")
		collector.IncrementMessageCount("USER_QUERY")
		collector.IncrementMessageCount("RETRIEVAL_REQUEST")

		summary := collector.Summary()
		assert.Equal(t, int64(2), summary.MessageCounts["USER_QUERY"])
		assert.Equal(t, int64(1), summary.MessageCounts["RETRIEVAL_REQUEST"])
	})

	t.Run("RecordProcessingTime tracks timing", func(t *testing.T) {
		collector := NewCollector()

		collector.RecordProcessingTime("LLM_REQUEST", 100*time.Millisecond)
		collector.RecordProcessingTime("LLM_REQUEST", 200*time.Millisecond)
		collector.RecordProcessingTime("LLM_REQUEST", 150*time.Millisecond)

		stats := collector.Summary().ProcessingStats["LLM_REQUEST"]
		assert.Equal(t, int64(3), stats.Count)
		assert.Equal(t, int64(150), stats.AvgMs)
		assert.Equal(t, int64(100), stats.MinMs)
		assert.Equal(t, int64(200), stats.MaxMs)
	})

	t.Run("Percentiles use the nearest rank", func(t *testing.T) {
		collector := NewCollector()
		for i := 10; i >= 1; i-- {
			collector.RecordProcessingTime("LLM_REQUEST", time.Duration(i*10)*time.Millisecond)
		}

		stats := collector.Summary().ProcessingStats["LLM_REQUEST"]
		assert.Equal(t, int64(50), stats.P50Ms)
		assert.Equal(t, int64(100), stats.P95Ms)
		assert.Equal(t, int64(100), stats.P99Ms)
	})

	t.Run("Only recent samples feed percentiles", func(t *testing.T) {
		collector := NewCollector(WithSampleSize(2))
		collector.RecordProcessingTime("PING", 500*time.Millisecond)
		collector.RecordProcessingTime("PING", 10*time.Millisecond)
		collector.RecordProcessingTime("PING", 20*time.Millisecond)

		stats := collector.Summary().ProcessingStats["PING"]
		assert.Equal(t, int64(3), stats.Count)
		assert.Equal(t, int64(500), stats.MaxMs)
		assert.Equal(t, int64(20), stats.P99Ms)
	})

	t.Run("IncrementErrorCount tracks errors by tag", func(t *testing.T) {
		collector := NewCollector()

		collector.IncrementErrorCount("USER_QUERY", contracts.ErrorTypeUpstreamFailure)
		collector.IncrementErrorCount("USER_QUERY", contracts.ErrorTypeUpstreamFailure)
		collector.IncrementErrorCount("USER_QUERY", contracts.ErrorTypeRequestTimedOut)
		collector.IncrementErrorCount("RETRIEVAL_REQUEST", contracts.ErrorTypeInvalidPayload)

		summary := collector.Summary()
		assert.Equal(t, int64(2), summary.ErrorCounts["USER_QUERY"][contracts.ErrorTypeUpstreamFailure])
		assert.Equal(t, int64(1), summary.ErrorCounts["USER_QUERY"][contracts.ErrorTypeRequestTimedOut])
		assert.Equal(t, int64(1), summary.ErrorCounts["RETRIEVAL_REQUEST"][contracts.ErrorTypeInvalidPayload])
	})

	t.Run("ErrorAnalysis ranks error tags", func(t *testing.T) {
		collector := NewCollector()
		for range 4 {
			collector.IncrementMessageCount("USER_QUERY")
		}
		collector.IncrementErrorCount("USER_QUERY", contracts.ErrorTypeInvalidPayload)
		collector.IncrementErrorCount("LLM_REQUEST", contracts.ErrorTypeUpstreamFailure)
		collector.IncrementErrorCount("RETRIEVAL_REQUEST", contracts.ErrorTypeUpstreamFailure)

		analysis := collector.ErrorAnalysis()
		assert.Equal(t, int64(4), analysis.TotalMessages)
		assert.Equal(t, int64(3), analysis.TotalErrors)
		assert.InDelta(t, 0.75, analysis.ErrorRate, 0.0001)
		assert.Equal(t, []string{contracts.ErrorTypeUpstreamFailure, contracts.ErrorTypeInvalidPayload}, analysis.TopErrorTypes)
	})

	t.Run("Reset clears all metrics", func(t *testing.T) {
		collector := NewCollector()
		collector.IncrementMessageCount("USER_QUERY")
		collector.RecordProcessingTime("USER_QUERY", 100*time.Millisecond)
		collector.IncrementErrorCount("USER_QUERY", "HandlerFailure")

		collector.Reset()

		summary := collector.Summary()
		assert.Empty(t, summary.MessageCounts)
		assert.Empty(t, summary.ProcessingStats)
		assert.Empty(t, summary.ErrorCounts)
	})

	t.Run("Concurrent updates are all counted", func(t *testing.T) {
		collector := NewCollector()
		var wg sync.WaitGroup
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range 100 {
					collector.IncrementMessageCount("USER_QUERY")
					collector.RecordProcessingTime("USER_QUERY", time.Duration(i)*time.Millisecond)
					collector.IncrementErrorCount("USER_QUERY", "HandlerFailure")
				}
			}()
		}
		wg.Wait()

		summary := collector.Summary()
		assert.Equal(t, int64(300), summary.MessageCounts["USER_QUERY"])
		assert.Equal(t, int64(300), summary.ProcessingStats["USER_QUERY"].Count)
		assert.Equal(t, int64(300), summary.ErrorCounts["USER_QUERY"]["HandlerFailure"])
	})
}

func TestCollectorOnTheBus(t *testing.T) {
	t.Run("counts handled messages and routed traffic", func(t *testing.T) {
		collector := NewCollector()
		server := messaging.NewServer(messaging.WithTap(collector))

		agent := messaging.NewClient("echo", messaging.WithRouterOptions(
			messaging.WithMiddleware(interceptors.Middleware(interceptors.NewMetrics(collector))),
		))
		require.NoError(t, agent.Router().RegisterFunc(contracts.UserQuery, func(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
			return msg.Reply(), nil
		}))
		require.NoError(t, agent.Router().RegisterFunc(contracts.RetrievalRequest, func(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
			return nil, &contracts.UpstreamError{Collaborator: "vector store", Op: "similarity search", Err: errors.New("down")}
		}))
		require.NoError(t, server.Register(agent))

		for _, msgType := range []contracts.MessageType{contracts.UserQuery, contracts.RetrievalRequest} {
			msg, err := contracts.NewMessage(msgType, "tester", "echo")
			require.NoError(t, err)
			_, err = server.RouteMessage(context.Background(), msg)
			require.NoError(t, err)
		}

		summary := collector.Summary()
		assert.Equal(t, int64(1), summary.MessageCounts["USER_QUERY"])
		assert.Equal(t, int64(1), summary.MessageCounts["RETRIEVAL_REQUEST"])
		assert.Equal(t, int64(1), summary.ErrorCounts["RETRIEVAL_REQUEST"][contracts.ErrorTypeUpstreamFailure])
		assert.Equal(t, int64(2), summary.Traffic["tester"]["echo"])
		assert.Equal(t, int64(2), summary.Traffic["echo"]["tester"])
	})
}
