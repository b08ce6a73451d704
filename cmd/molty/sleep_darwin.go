//go:build darwin

package main

import (
	"github.com/prashantgupta24/mac-sleep-notifier/notifier"
)

// sleeper signals listen when the machine goes to sleep; open websockets do not survive it.
func sleeper(listen chan bool) {
	sleepNotifier := notifier.GetInstance().Start()
	go func() {
		for activity := range sleepNotifier {
			if activity.Type == notifier.Sleep {
				listen <- true
				return
			}
		}
	}()
}
