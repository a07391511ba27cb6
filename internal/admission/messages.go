package admission

import (
	"fmt"
	"math"
	"time"
)

func messageSessionStarted(minutes int) string {
	return fmt.Sprintf("Session started. You have %d %s.", minutes, plural(minutes, "minute", "minutes"))
}

func messageTimeWarning(minutes int) string {
	return fmt.Sprintf("%d %s left in your session.", minutes, plural(minutes, "minute", "minutes"))
}

func messageTimeWarningFinal(seconds int) string {
	return fmt.Sprintf("%d seconds left. The session will end soon.", seconds)
}

func messageQueued(position int) string {
	return fmt.Sprintf("The assistant is busy. You are number %d in the queue.", position)
}

func messageQueuePosition(position int) string {
	return fmt.Sprintf("Your queue position: %d.", position)
}

func messageCooldown(wait time.Duration) string {
	seconds := ceilSeconds(wait)
	return fmt.Sprintf("Please wait %d %s before connecting again.", seconds, plural(seconds, "second", "seconds"))
}

const (
	messageSessionExpired     = "Your session time is up."
	messageSessionInterrupted = "Your session was ended by an administrator."
	messageSessionEnded       = "Session ended."
	messageQueueYourTurn      = "A slot is free. Connecting..."
	messageQueueTimeout       = "Your wait timed out. Please try again."
	messageQueueCleared       = "The queue was cleared by an administrator."
)

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

func ceilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}
