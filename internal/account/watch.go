package account

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// watchDir watches dir for create/remove/rename events on credential
// files and calls onChange (debounced) for each settled burst. It is an
// additive convenience around LoadAccounts/ReloadAccounts and never
// bypasses their own validation.
//
// The returned stop function closes the watcher; callers must invoke
// it on shutdown.
func watchDir(dir string, logger logrus.FieldLogger, onChange func()) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		const debounce = 250 * time.Millisecond
		var timer *time.Timer

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(debounce, onChange)
				} else {
					timer.Reset(debounce)
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(watchErr).Warn("account: auth directory watch error")
			case <-done:
				if timer != nil {
					timer.Stop()
				}
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
