package ws

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ergometer-live/backend/internal/model"
)

// Property: every registered client receives every broadcast envelope, in
// broadcast order, stamped with a timestamp.
func TestHubBroadcastOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("all clients receive all envelopes in order", prop.ForAll(
		func(clients, messages int) bool {
			hub := NewHub(messages)
			defer hub.Close()

			peers := make([]*Client, clients)
			for i := range peers {
				peers[i] = NewClient(hub, nil)
				hub.Register(peers[i])
			}

			for i := 0; i < messages; i++ {
				env, err := model.NewEnvelope(model.TypeWorkoutStats, map[string]int{"seq": i})
				if err != nil {
					return false
				}
				if err := hub.BroadcastEnvelope(env); err != nil {
					return false
				}
			}

			for _, peer := range peers {
				for i := 0; i < messages; i++ {
					select {
					case data := <-peer.SendChan():
						var env model.Envelope
						if err := json.Unmarshal(data, &env); err != nil {
							return false
						}
						if env.Timestamp == "" || string(env.Data) != fmt.Sprintf(`{"seq":%d}`, i) {
							return false
						}
					case <-time.After(100 * time.Millisecond):
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.IntRange(1, 32),
	))

	properties.TestingRun(t)
}

// Property: a client that stops draining is dropped once its queue fills,
// and the remaining clients keep receiving.
func TestHubSlowClientDroppedProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("slow client closed, fast client served", prop.ForAll(
		func(queue int) bool {
			hub := NewHub(queue)
			defer hub.Close()

			slow := NewClient(hub, nil)
			fast := NewClient(hub, nil)
			hub.Register(slow)
			hub.Register(fast)

			for i := 0; i <= queue; i++ {
				hub.Broadcast([]byte("x"))
				<-fast.SendChan()
			}

			if !slow.IsClosed() || fast.IsClosed() {
				return false
			}
			hub.Broadcast([]byte("y"))
			return string(<-fast.SendChan()) == "y"
		},
		gen.IntRange(1, 16),
	))

	properties.TestingRun(t)
}
