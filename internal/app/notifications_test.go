package app

import "testing"

func TestNotificationHubReplayAndBound(t *testing.T) {
	hub := NewNotificationHub(3)
	for i := 0; i < 5; i++ {
		hub.Publish("vault.changed", i)
	}
	if hub.BacklogSize() != 3 {
		t.Fatalf("expected history bounded to 3, got %d", hub.BacklogSize())
	}
	replay, live, cancel := hub.Subscribe(3)
	defer cancel()
	if len(replay) != 2 || replay[0].Seq != 4 || replay[1].Seq != 5 {
		t.Fatalf("unexpected replay %+v", replay)
	}
	ev := hub.Publish("vault.locked", nil)
	got := <-live
	if got.Seq != ev.Seq || got.Method != "vault.locked" {
		t.Fatalf("unexpected live event %+v", got)
	}
}

func TestNotificationHubDropsSlowSubscriber(t *testing.T) {
	hub := NewNotificationHub(10)
	_, live, cancel := hub.Subscribe(0)
	defer cancel()
	for i := 0; i < cap(live)+1; i++ {
		hub.Publish("session.state", i)
	}
	n := 0
	for range live {
		n++
	}
	if n != cap(live) {
		t.Fatalf("expected %d buffered events before drop, got %d", cap(live), n)
	}
	cancel()
}
