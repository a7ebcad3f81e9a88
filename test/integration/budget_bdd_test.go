//go:build integration

package integration

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tabwarden/tabwarden/internal/bridge"
	"github.com/tabwarden/tabwarden/internal/daemon"
	"github.com/tabwarden/tabwarden/internal/domain"
)

func intp(v int) *int { return &v }

func strp(v string) *string { return &v }

var _ = Describe("Daily Budget Enforcement", func() {
	var (
		tmpDir string
		h      *harness
		agent  *fakeAgent
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "tabwarden-integration-*")
		Expect(err).NotTo(HaveOccurred())

		h = newHarness(tmpDir)
		h.updateSettings(daemon.SettingsPatch{
			DailyLimitMinutes: intp(1),
			CooldownMinutes:   intp(5),
		})

		agent = newFakeAgent(h.socketPath)
	})

	AfterEach(func() {
		agent.close()
		h.shutdown()
		os.RemoveAll(tmpDir)
	})

	// The tracker's debounce runs on the mock clock, so every poll has
	// to nudge it forward for pending recomputes to fire.
	pollTracking := func() bool {
		h.mock.Add(50 * time.Millisecond)
		return h.status().IsTracking
	}

	openAndTrack := func() {
		agent.openTab(1, "https://example.com/feed")
		Eventually(pollTracking, 5*time.Second).Should(BeTrue())
	}

	Describe("metering", func() {
		It("accumulates active time on the tracked site", func() {
			openAndTrack()
			h.advance(10 * time.Second)

			snap := h.status()
			Expect(snap.Usage.ActiveMillis).To(BeNumerically("~", 10_000, 1500))
			Expect(snap.ActiveSessionIDs).To(Equal([]int{1}))
		})

		It("ignores sites outside the tracked property", func() {
			agent.openTab(2, "https://news.ycombinator.com/")
			Consistently(pollTracking, 500*time.Millisecond).Should(BeFalse())
		})

		It("stops metering when browser focus is lost", func() {
			openAndTrack()
			h.advance(5 * time.Second)

			agent.send(bridge.Frame{Type: bridge.TypeFocus, Focused: false})
			Eventually(func() bool { return !pollTracking() }, 5*time.Second).Should(BeTrue())

			before := h.status().Usage.ActiveMillis
			h.advance(10 * time.Second)
			Expect(h.status().Usage.ActiveMillis).To(Equal(before))
		})
	})

	Describe("locking", func() {
		It("nudges near the limit and locks at it", func() {
			openAndTrack()
			h.advance(58 * time.Second)

			snap := h.status()
			Expect(snap.Flags.Nudged).To(BeTrue())
			Expect(snap.Flags.Locked).To(BeTrue())
			Expect(snap.Flags.FrozenUsedMillis).To(Equal(int64(60_000)))
			Expect(snap.TimeRemaining.RemainingMillis).To(BeZero())

			Eventually(func() int {
				return agent.received(domain.DirectiveNudge)
			}, 5*time.Second).Should(BeNumerically(">=", 1))
			Eventually(func() int {
				return agent.received(domain.DirectiveBlock)
			}, 5*time.Second).Should(BeNumerically(">=", 1))
		})

		It("delivers a close directive in close mode", func() {
			h.updateSettings(daemon.SettingsPatch{LockMode: strp("close")})
			openAndTrack()
			h.advance(58 * time.Second)

			Eventually(func() int {
				return agent.received(domain.DirectiveClose)
			}, 5*time.Second).Should(BeNumerically(">=", 1))
		})

		It("re-covers a tab that navigates while locked", func() {
			openAndTrack()
			h.advance(58 * time.Second)
			Eventually(func() int {
				return agent.received(domain.DirectiveBlock)
			}, 5*time.Second).Should(BeNumerically(">=", 1))

			// The fresh page has no receiver: delivery goes through the
			// inject-retry path, whose backoff runs on the mock clock.
			agent.send(bridge.Frame{Type: bridge.TypeTabUpdated, TabID: 1,
				URL: "https://example.com/elsewhere", Pid: 4242, Complete: true})
			Eventually(func() int {
				h.mock.Add(500 * time.Millisecond)
				return agent.received(domain.DirectiveBlock)
			}, 5*time.Second).Should(BeNumerically(">=", 2))
		})
	})

	Describe("snooze", func() {
		It("grants one cooldown run per day, then locks again", func() {
			openAndTrack()
			h.advance(58 * time.Second)
			Expect(h.status().Flags.Locked).To(BeTrue())

			c := h.surface()
			defer c.Close()
			reply, err := c.Request(bridge.Frame{Type: bridge.TypeSnooze})
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.Snooze.Granted).To(BeTrue())

			snap := h.status()
			Expect(snap.Flags.Snoozed).To(BeTrue())
			Expect(snap.Usage.ActiveMillis).To(BeZero())
			Eventually(func() int {
				return agent.received(domain.DirectiveHide)
			}, 5*time.Second).Should(BeNumerically(">=", 1))

			h.advance(5 * time.Minute)
			snap = h.status()
			Expect(snap.Flags.Locked).To(BeTrue())
			Expect(snap.Flags.FrozenUsedMillis).To(Equal(int64(5 * 60 * 1000)))

			h.advance(3 * time.Second)
			reply, err = c.Request(bridge.Frame{Type: bridge.TypeSnooze})
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.Snooze.Granted).To(BeFalse())
			Expect(reply.Snooze.Reason).To(Equal(domain.SnoozeAlreadyUsed))
		})
	})

	Describe("passcode bypass", func() {
		It("lifts the lock only with the right passcode", func() {
			c := h.surface()
			defer c.Close()
			_, err := c.Request(bridge.Frame{Type: bridge.TypeSetPasscode, Value: "hunter2"})
			Expect(err).NotTo(HaveOccurred())

			openAndTrack()
			h.advance(58 * time.Second)
			Expect(h.status().Flags.Locked).To(BeTrue())

			reply, err := c.Request(bridge.Frame{Type: bridge.TypeBypass, Passcode: "wrong"})
			Expect(err).NotTo(HaveOccurred())
			Expect(*reply.OK).To(BeFalse())
			Expect(h.status().Flags.Locked).To(BeTrue())

			reply, err = c.Request(bridge.Frame{Type: bridge.TypeBypass, Passcode: "hunter2"})
			Expect(err).NotTo(HaveOccurred())
			Expect(*reply.OK).To(BeTrue())
			Expect(h.status().Flags.Locked).To(BeFalse())
		})
	})

	Describe("persistence", func() {
		It("carries usage and lock state across a daemon restart", func() {
			openAndTrack()
			h.advance(58 * time.Second)
			Expect(h.status().Flags.Locked).To(BeTrue())

			agent.close()
			h.restart()

			snap := h.status()
			Expect(snap.Flags.Locked).To(BeTrue())
			Expect(snap.Flags.FrozenUsedMillis).To(Equal(int64(60_000)))

			agent = newFakeAgent(h.socketPath)
		})
	})

	Describe("daily rollover", func() {
		It("resets the ledger at the configured hour", func() {
			openAndTrack()
			h.advance(58 * time.Second)
			Expect(h.status().Flags.Locked).To(BeTrue())

			h.mock.Set(time.Date(2024, 6, 11, 4, 0, 1, 0, time.Local))
			h.advance(31 * time.Second)

			snap := h.status()
			Expect(snap.Flags.Locked).To(BeFalse())
			Expect(snap.Usage.ActiveMillis).To(BeZero())
			Expect(snap.Usage.DateKey).To(Equal("2024-06-11"))
		})
	})
})
