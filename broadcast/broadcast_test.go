/*
NAME
  broadcast_test.go - hub and subscription tests.

AUTHORS
  Miriam Voss <miriam@oqclab.org>

LICENSE
  wavelock is Copyright (C) 2024-2026 the Optical Qubit Control Lab (OQCLab).

  It is free software: you can redistribute it and/or modify them
  under the terms of the GNU General Public License as published by the
  Free Software Foundation, either version 3 of the License, or (at your
  option) any later version.

  It is distributed in the hope that it will be useful, but WITHOUT
  ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
  FITNESS FOR A PARTICULAR PURPOSE. See the GNU General Public License
  for more details.

  You should have received a copy of the GNU General Public License
  in gpl.txt.  If not, see [GNU licenses](http://www.gnu.org/licenses).
*/

package broadcast

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	h := NewHub[int]()
	sub := h.Subscribe("a")
	defer sub.Close()

	h.Publish("a", 42)
	h.Publish("b", 7) // different topic, must not arrive

	v, ok := sub.Next()
	if !ok || v != 42 {
		t.Errorf("Next() = %v, %v; expected 42, true", v, ok)
	}
}

func TestOverwriteKeepsNewest(t *testing.T) {
	h := NewHub[int]()
	sub := h.Subscribe("a")
	defer sub.Close()

	for i := 1; i <= 5; i++ {
		h.Publish("a", i)
	}

	v, ok := sub.Next()
	if !ok || v != 5 {
		t.Errorf("Next() = %v, %v; expected 5, true", v, ok)
	}
	if d := sub.Drops(); d != 4 {
		t.Errorf("Drops() = %d; expected 4", d)
	}
}

func TestCloseUnblocksNext(t *testing.T) {
	h := NewHub[int]()
	sub := h.Subscribe("a")

	done := make(chan bool)
	go func() {
		_, ok := sub.Next()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	sub.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Next() returned true after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Next() did not unblock after Close")
	}
}

func TestPublishAfterClose(t *testing.T) {
	h := NewHub[int]()
	sub := h.Subscribe("a")
	sub.Close()
	sub.Close() // second close is harmless

	h.Publish("a", 1) // must not panic or deliver
	if _, ok := sub.Next(); ok {
		t.Error("Next() returned a value after Close")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	h := NewHub[string]()
	s1 := h.Subscribe("t")
	s2 := h.Subscribe("t")
	defer s1.Close()
	defer s2.Close()

	h.Publish("t", "x")

	if v, ok := s1.Next(); !ok || v != "x" {
		t.Errorf("s1.Next() = %q, %v; expected \"x\", true", v, ok)
	}
	if v, ok := s2.Next(); !ok || v != "x" {
		t.Errorf("s2.Next() = %q, %v; expected \"x\", true", v, ok)
	}
}
