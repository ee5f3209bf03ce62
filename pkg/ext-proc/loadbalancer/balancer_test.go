package loadbalancer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" // nolint:revive
	. "github.com/onsi/gomega"    // nolint:revive

	"inference.networking.x-k8s.io/disagg-gateway/api/v1alpha1"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/kvhandoff"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/scheduling"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/worker"
)

var (
	nixlProducer    = v1alpha1.KVConnectorSpec{Kind: "NixlConnector", Role: v1alpha1.KVProducer}
	nixlConsumer    = v1alpha1.KVConnectorSpec{Kind: "NixlConnector", Role: v1alpha1.KVConsumer}
	lmcacheConsumer = v1alpha1.KVConnectorSpec{Kind: "LMCacheConnectorV1", Role: v1alpha1.KVConsumer}
)

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	retries     []string
}

func (o *recordingObserver) ObserveTransition(from, to State, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, string(from)+"->"+string(to))
}

func (o *recordingObserver) ObserveHandoffRetry(decode backend.Worker, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, decode.ID)
}

func (o *recordingObserver) Transitions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.transitions...)
}

func (o *recordingObserver) Retries() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.retries...)
}

var (
	disaggTransitions = []string{
		"->Received",
		"Received->PrefillSelected",
		"PrefillSelected->Prefilling",
		"Prefilling->HandoffPending",
		"HandoffPending->DecodeSelected",
		"DecodeSelected->Decoding",
		"Decoding->Completed",
	}
	unifiedTransitions = []string{
		"->Received",
		"Received->DecodeSelected",
		"DecodeSelected->Decoding",
		"Decoding->Completed",
	}
)

func drain(st *Stream) string {
	var sb strings.Builder
	for st.Next() {
		sb.WriteString(st.Current().Text)
	}
	return sb.String()
}

type fixture struct {
	registry  *backend.Registry
	connector *kvhandoff.FakeConnector
	handoff   *kvhandoff.Manager
	client    *worker.FakeClient
	observer  *recordingObserver
}

func newFixture(workers ...*backend.Worker) *fixture {
	f := &fixture{
		registry:  backend.NewRegistry(),
		connector: &kvhandoff.FakeConnector{Hang: map[string]bool{}, Fail: map[string]error{}},
		client:    &worker.FakeClient{Chunks: []string{"Hello", " world"}},
		observer:  &recordingObserver{},
	}
	f.handoff = kvhandoff.NewManager(kvhandoff.WithConnector("NixlConnector", f.connector))
	for _, w := range workers {
		Expect(f.registry.Register(w)).To(Succeed())
	}
	return f
}

func (f *fixture) balancer(cfg Config) *Balancer {
	b := NewBalancer(cfg, scheduling.NewScheduler(f.registry), f.handoff, f.client, WithObserver(f.observer))
	var mu sync.Mutex
	n := 0
	b.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("session-%d", n)
	}
	return b
}

func (f *fixture) setLoad(id string, n int) {
	ws, ok := f.registry.Get(id)
	Expect(ok).To(BeTrue())
	for i := 0; i < n; i++ {
		ws.Load.Acquire()
	}
}

func (f *fixture) outstanding() map[string]int64 {
	res := map[string]int64{}
	for _, ws := range f.registry.All() {
		res[ws.ID] = ws.Outstanding()
	}
	return res
}

func (f *fixture) expectAllReleased() {
	Expect(f.handoff.Active()).To(BeZero())
	released := f.connector.Released()
	for _, id := range f.connector.Begun() {
		Expect(released).To(HaveKeyWithValue(id, 1), "handle %s", id)
	}
	Expect(released).To(HaveLen(len(f.connector.Begun())))
}

func twoByTwo() []*backend.Worker {
	return []*backend.Worker{
		{ID: "prefill-0", Role: backend.RolePrefill, Rank: 0, Address: "p0:8000", Connector: nixlProducer},
		{ID: "prefill-1", Role: backend.RolePrefill, Rank: 1, Address: "p1:8000", Connector: nixlProducer},
		{ID: "decode-0", Role: backend.RoleDecode, Rank: 0, Address: "d0:8000", Connector: nixlConsumer},
		{ID: "decode-1", Role: backend.RoleDecode, Rank: 1, Address: "d1:8000", Connector: nixlConsumer},
	}
}

func request(id string) *worker.Request {
	return &worker.Request{ID: id, Model: "m", Prompt: "The capital of France is"}
}

var _ = Describe("Disaggregated balancer", func() {
	var f *fixture
	var b *Balancer

	BeforeEach(func() {
		f = newFixture(twoByTwo()...)
		f.setLoad("prefill-0", 3)
		f.setLoad("prefill-1", 1)
		b = f.balancer(Config{Mode: ModeFor(true), HandoffTimeout: 20 * time.Millisecond})
	})

	It("should pick the least loaded prefill worker and the lowest decode id", func() {
		st, err := b.Generate(context.Background(), request("s1"))
		Expect(err).ToNot(HaveOccurred())
		Expect(st.SessionID()).To(Equal("session-1"))
		Expect(st.RequestID()).To(Equal("s1"))
		Expect(st.Prefill().ID).To(Equal("prefill-1"))
		Expect(st.Decode().ID).To(Equal("decode-0"))

		By("counting the session on both workers while the handoff settles")
		Expect(f.outstanding()).To(Equal(map[string]int64{"prefill-0": 3, "prefill-1": 1, "decode-0": 1, "decode-1": 0}))
		Expect(f.handoff.Active()).To(Equal(1))
		Expect(b.Active()).To(Equal(1))

		Expect(drain(st)).To(Equal("Hello world"))
		Expect(st.Err()).ToNot(HaveOccurred())
		Expect(st.Close()).To(Succeed())

		Expect(f.client.Decoded("decode-0")).To(HaveLen(1))
		Expect(f.client.Decoded("decode-0")[0]).To(HaveKeyWithValue("handle", kvhandoff.HandleID("prefill-1", "decode-0", "session-1", 1)))
		Expect(f.observer.Transitions()).To(Equal(disaggTransitions))
		Expect(f.outstanding()).To(Equal(map[string]int64{"prefill-0": 3, "prefill-1": 1, "decode-0": 0, "decode-1": 0}))
		Expect(b.Active()).To(BeZero())
		f.expectAllReleased()
	})

	It("should fail the session after two handoff timeouts and restore every counter", func() {
		f.connector.Hang["decode-0"] = true
		f.connector.Hang["decode-1"] = true

		_, err := b.Generate(context.Background(), request("s1"))
		Expect(err).To(MatchError(ErrSessionFailed))
		Expect(errors.Is(err, kvhandoff.ErrTransferTimeout)).To(BeTrue())
		Expect(backend.IsRetryable(err)).To(BeFalse())

		Expect(f.observer.Retries()).To(Equal([]string{"decode-0", "decode-1"}))
		Expect(f.observer.Transitions()).To(HaveLen(5))
		Expect(f.observer.Transitions()[4]).To(Equal("HandoffPending->Failed"))
		Expect(f.connector.Begun()).To(Equal([]string{
			kvhandoff.HandleID("prefill-1", "decode-0", "session-1", 1),
			kvhandoff.HandleID("prefill-1", "decode-1", "session-1", 2),
		}))
		Expect(f.outstanding()).To(Equal(map[string]int64{"prefill-0": 3, "prefill-1": 1, "decode-0": 0, "decode-1": 0}))
		Expect(b.Active()).To(BeZero())
		f.expectAllReleased()
	})

	It("should retry a failed transfer on another decode worker", func() {
		f.connector.Fail["decode-0"] = errors.New("nixl agent unreachable")

		st, err := b.Generate(context.Background(), request("s1"))
		Expect(err).ToNot(HaveOccurred())
		Expect(st.Decode().ID).To(Equal("decode-1"))
		Expect(drain(st)).To(Equal("Hello world"))
		Expect(st.Close()).To(Succeed())

		Expect(f.observer.Retries()).To(Equal([]string{"decode-0"}))
		Expect(f.client.Decoded("decode-0")).To(BeEmpty())
		Expect(f.observer.Transitions()).To(Equal(disaggTransitions))
		f.expectAllReleased()
	})

	It("should fail when the only decode worker times out", func() {
		Expect(f.registry.Deregister("decode-1")).To(BeTrue())
		f.connector.Hang["decode-0"] = true

		_, err := b.Generate(context.Background(), request("s1"))
		Expect(err).To(MatchError(ErrSessionFailed))
		Expect(errors.Is(err, kvhandoff.ErrTransferTimeout)).To(BeTrue())
		Expect(f.connector.Begun()).To(HaveLen(1))
		f.expectAllReleased()
	})

	It("should never pair workers with different connector kinds", func() {
		f = newFixture(
			&backend.Worker{ID: "prefill-0", Role: backend.RolePrefill, Address: "p0:8000", Connector: nixlProducer},
			&backend.Worker{ID: "decode-0", Role: backend.RoleDecode, Rank: 0, Address: "d0:8000", Connector: lmcacheConsumer},
			&backend.Worker{ID: "decode-1", Role: backend.RoleDecode, Rank: 1, Address: "d1:8000", Connector: nixlConsumer},
		)
		f.setLoad("decode-1", 5)
		b = f.balancer(Config{Mode: ModeFor(true)})

		st, err := b.Generate(context.Background(), request("s1"))
		Expect(err).ToNot(HaveOccurred())
		Expect(st.Decode().ID).To(Equal("decode-1"))
		Expect(st.Close()).To(Succeed())
		Expect(f.connector.Begun()).To(Equal([]string{kvhandoff.HandleID("prefill-0", "decode-1", "session-1", 1)}))

		By("failing fast when no compatible decode worker is left")
		Expect(f.registry.Deregister("decode-1")).To(BeTrue())
		_, err = b.Generate(context.Background(), request("s2"))
		Expect(err).To(MatchError(backend.ErrNoCapacity))
		Expect(f.connector.Begun()).To(HaveLen(1))
	})

	It("should release the prefill worker when prefill fails", func() {
		f.client.PrefillErr = map[string]error{"prefill-1": errors.New("engine dead")}

		_, err := b.Generate(context.Background(), request("s1"))
		Expect(err).To(MatchError(ContainSubstring("engine dead")))
		Expect(f.observer.Transitions()[len(f.observer.Transitions())-1]).To(Equal("Prefilling->Failed"))
		Expect(f.connector.Begun()).To(BeEmpty())
		Expect(f.outstanding()["prefill-1"]).To(BeEquivalentTo(1))
	})

	It("should release the transfer when the decode call fails", func() {
		f.client.DecodeErr = map[string]error{"decode-0": errors.New("connection refused")}

		_, err := b.Generate(context.Background(), request("s1"))
		Expect(err).To(MatchError(ContainSubstring("connection refused")))
		Expect(f.observer.Transitions()[len(f.observer.Transitions())-1]).To(Equal("DecodeSelected->Failed"))
		Expect(f.outstanding()["decode-0"]).To(BeZero())
		f.expectAllReleased()
	})

	It("should report a worker stream error as a failed session", func() {
		f.client.StreamErr = errors.New("worker crashed")

		st, err := b.Generate(context.Background(), request("s1"))
		Expect(err).ToNot(HaveOccurred())
		drain(st)
		Expect(st.Err()).To(MatchError("worker crashed"))
		Expect(st.Close()).To(Succeed())
		Expect(f.observer.Transitions()[len(f.observer.Transitions())-1]).To(Equal("Decoding->Failed"))
		f.expectAllReleased()
	})

	It("should keep sessions that share a client request id apart", func() {
		first, err := b.Generate(context.Background(), request("dup"))
		Expect(err).ToNot(HaveOccurred())
		second, err := b.Generate(context.Background(), request("dup"))
		Expect(err).ToNot(HaveOccurred())
		Expect(first.SessionID()).ToNot(Equal(second.SessionID()))
		Expect(first.RequestID()).To(Equal("dup"))
		Expect(second.RequestID()).To(Equal("dup"))
		Expect(b.Active()).To(Equal(2))
		Expect(f.handoff.Active()).To(Equal(2))

		By("closing one session without touching the other")
		Expect(first.Close()).To(Succeed())
		Expect(b.Active()).To(Equal(1))
		Expect(f.handoff.Active()).To(Equal(1))
		Expect(f.connector.Released()).To(HaveLen(1))

		Expect(second.Close()).To(Succeed())
		Expect(b.Active()).To(BeZero())
		Expect(f.connector.Begun()).To(HaveLen(2))
		f.expectAllReleased()
	})

	It("should fail fast without capacity", func() {
		f = newFixture()
		b = f.balancer(Config{Mode: ModeFor(true)})

		_, err := b.Generate(context.Background(), request("s1"))
		Expect(err).To(MatchError(backend.ErrNoCapacity))
		Expect(backend.IsRetryable(err)).To(BeTrue())
		Expect(f.observer.Transitions()).To(Equal([]string{"->Received", "Received->Failed"}))
	})

	It("should reject invalid requests before selecting workers", func() {
		temp := 3.0
		req := request("s1")
		req.Temperature = &temp

		_, err := b.Generate(context.Background(), req)
		Expect(err).To(MatchError(ErrInvalidRequest))
		Expect(f.observer.Transitions()).To(BeEmpty())
	})

	Context("when the client cancels", func() {
		It("should not start a cancelled session", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, err := b.Generate(ctx, request("s1"))
			Expect(err).To(MatchError(context.Canceled))
			Expect(f.outstanding()).To(Equal(map[string]int64{"prefill-0": 3, "prefill-1": 1, "decode-0": 0, "decode-1": 0}))
			Expect(f.connector.Begun()).To(BeEmpty())
		})

		It("should release everything while waiting for the handoff", func() {
			f.connector.Hang["decode-0"] = true
			b = f.balancer(Config{Mode: ModeFor(true), HandoffTimeout: time.Minute})
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				defer GinkgoRecover()
				Eventually(f.handoff.Active).Should(Equal(1))
				cancel()
			}()

			_, err := b.Generate(ctx, request("s1"))
			Expect(err).To(MatchError(context.Canceled))
			Expect(f.observer.Retries()).To(BeEmpty())
			Expect(f.outstanding()).To(Equal(map[string]int64{"prefill-0": 3, "prefill-1": 1, "decode-0": 0, "decode-1": 0}))
			f.expectAllReleased()
		})

		It("should end the stream at the next chunk", func() {
			ctx, cancel := context.WithCancel(context.Background())
			st, err := b.Generate(ctx, request("s1"))
			Expect(err).ToNot(HaveOccurred())
			Expect(st.Next()).To(BeTrue())
			cancel()

			Expect(st.Next()).To(BeFalse())
			Expect(st.Err()).To(MatchError(context.Canceled))
			Expect(st.Close()).To(Succeed())
			Expect(f.observer.Transitions()[len(f.observer.Transitions())-1]).To(Equal("Decoding->Failed"))
			Expect(f.outstanding()["decode-0"]).To(BeZero())
			f.expectAllReleased()
		})

		It("should fail a stream closed before the end", func() {
			st, err := b.Generate(context.Background(), request("s1"))
			Expect(err).ToNot(HaveOccurred())
			Expect(st.Close()).To(Succeed())
			Expect(st.Close()).To(Succeed())

			Expect(st.Err()).To(MatchError(context.Canceled))
			Expect(f.observer.Transitions()[len(f.observer.Transitions())-1]).To(Equal("Decoding->Failed"))
			f.expectAllReleased()
		})
	})

	Context("with a bounded admission queue", func() {
		It("should reject sessions beyond the bound", func() {
			b = f.balancer(Config{Mode: ModeFor(true), MaxConcurrentSessions: 1, AdmissionTimeout: 10 * time.Millisecond})

			st, err := b.Generate(context.Background(), request("s1"))
			Expect(err).ToNot(HaveOccurred())
			_, err = b.Generate(context.Background(), request("s2"))
			Expect(err).To(MatchError(backend.ErrNoCapacity))

			drain(st)
			Expect(st.Close()).To(Succeed())
			st, err = b.Generate(context.Background(), request("s3"))
			Expect(err).ToNot(HaveOccurred())
			Expect(st.Close()).To(Succeed())
		})
	})

	Context("when routing for a proxy", func() {
		It("should reserve both workers until done", func() {
			res, err := b.Pick(context.Background(), "s1", "m")
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Prefill.ID).To(Equal("prefill-1"))
			Expect(res.Decode.ID).To(Equal("decode-0"))
			Expect(f.outstanding()).To(Equal(map[string]int64{"prefill-0": 3, "prefill-1": 2, "decode-0": 1, "decode-1": 0}))

			res.Done(nil)
			res.Done(nil)
			Expect(f.outstanding()).To(Equal(map[string]int64{"prefill-0": 3, "prefill-1": 1, "decode-0": 0, "decode-1": 0}))
			Expect(f.observer.Transitions()).To(Equal([]string{
				"->Received",
				"Received->PrefillSelected",
				"PrefillSelected->DecodeSelected",
				"DecodeSelected->Decoding",
				"Decoding->Completed",
			}))
			Expect(b.Active()).To(BeZero())
		})

		It("should release the prefill worker when no decode worker is left", func() {
			Expect(f.registry.Deregister("decode-0")).To(BeTrue())
			Expect(f.registry.Deregister("decode-1")).To(BeTrue())

			_, err := b.Pick(context.Background(), "s1", "m")
			Expect(err).To(MatchError(backend.ErrNoCapacity))
			Expect(f.outstanding()).To(Equal(map[string]int64{"prefill-0": 3, "prefill-1": 1}))
		})
	})
})

var _ = Describe("Unified balancer", func() {
	var f *fixture
	var b *Balancer

	BeforeEach(func() {
		f = newFixture(
			&backend.Worker{ID: "dp-1", Role: backend.RoleDP, Rank: 1, Address: "dp1:8000"},
			&backend.Worker{ID: "dp-0", Role: backend.RoleDP, Rank: 0, Address: "dp0:8000"},
		)
		f.client.PrefillErr = map[string]error{"dp-0": errors.New("unexpected prefill"), "dp-1": errors.New("unexpected prefill")}
		b = f.balancer(Config{Mode: ModeFor(false)})
	})

	It("should serve both phases on one worker", func() {
		st, err := b.Generate(context.Background(), request("s1"))
		Expect(err).ToNot(HaveOccurred())
		Expect(st.Prefill()).To(BeNil())
		Expect(st.Decode().ID).To(Equal("dp-0"))
		Expect(drain(st)).To(Equal("Hello world"))
		Expect(st.Close()).To(Succeed())

		Expect(f.client.Decoded("dp-0")).To(Equal([]kvhandoff.Params{nil}))
		Expect(f.observer.Transitions()).To(Equal(unifiedTransitions))
		Expect(f.connector.Begun()).To(BeEmpty())
		Expect(f.outstanding()).To(Equal(map[string]int64{"dp-0": 0, "dp-1": 0}))
	})

	It("should balance over the pool", func() {
		first, err := b.Generate(context.Background(), request("s1"))
		Expect(err).ToNot(HaveOccurred())
		second, err := b.Generate(context.Background(), request("s2"))
		Expect(err).ToNot(HaveOccurred())
		Expect([]string{first.Decode().ID, second.Decode().ID}).To(Equal([]string{"dp-0", "dp-1"}))
		Expect(first.Close()).To(Succeed())
		Expect(second.Close()).To(Succeed())
	})

	It("should mint a session id per request", func() {
		b := NewBalancer(Config{Mode: ModeFor(false)}, scheduling.NewScheduler(f.registry), nil, f.client)
		first, err := b.Generate(context.Background(), request(""))
		Expect(err).ToNot(HaveOccurred())
		second, err := b.Generate(context.Background(), request(""))
		Expect(err).ToNot(HaveOccurred())
		Expect(first.SessionID()).ToNot(BeEmpty())
		Expect(first.SessionID()).ToNot(Equal(second.SessionID()))
		Expect(first.RequestID()).To(Equal(first.SessionID()))
		Expect(first.Close()).To(Succeed())
		Expect(second.Close()).To(Succeed())
	})

	It("should keep reservations that share a client request id apart", func() {
		first, err := b.Pick(context.Background(), "dup", "m")
		Expect(err).ToNot(HaveOccurred())
		second, err := b.Pick(context.Background(), "dup", "m")
		Expect(err).ToNot(HaveOccurred())
		Expect(first.SessionID).ToNot(Equal(second.SessionID))
		Expect(first.RequestID).To(Equal("dup"))
		Expect(b.Active()).To(Equal(2))
		first.Done(nil)
		Expect(b.Active()).To(Equal(1))
		second.Done(nil)
		Expect(b.Active()).To(BeZero())
	})

	It("should reserve a single worker for a proxy", func() {
		res, err := b.Pick(context.Background(), "s1", "m")
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Prefill).To(BeNil())
		Expect(res.Decode.ID).To(Equal("dp-0"))
		res.Done(errors.New("client went away"))
		Expect(f.observer.Transitions()[len(f.observer.Transitions())-1]).To(Equal("Decoding->Failed"))
		Expect(f.outstanding()["dp-0"]).To(BeZero())
	})
})

var _ = Describe("RoutingMode", func() {
	It("should follow enable_disagg", func() {
		Expect(ModeFor(true)).To(Equal(Disaggregated{Prefill: backend.RolePrefill, Decode: backend.RoleDecode}))
		Expect(ModeFor(false)).To(Equal(Unified{Pool: backend.RoleDP}))
		Expect(ModeFor(true).String()).To(Equal("disaggregated(prefill->decode)"))
	})
})
