package ui

import (
	"context"
	"sync"

	"github.com/eiannone/keyboard"
)

// KeyEsc is the rune StartKeyEvents emits for the escape key.
const KeyEsc = 27

// Singleton buffered channel and one reader goroutine to avoid multiple opens
// and to make DrainKeys non-blocking and reliable across phases.
var (
	keyCh     chan rune
	keysOK    bool
	startOnce sync.Once
)

// StartKeyEvents returns a channel that emits single-key runes read without
// Enter. The first call starts a background reader. If the keyboard cannot
// be opened (no terminal) an inert channel is returned and KeysAvailable
// reports false.
func StartKeyEvents() chan rune {
	startOnce.Do(func() {
		keyCh = make(chan rune, 64)
		if err := keyboard.Open(); err != nil {
			return
		}
		keysOK = true
		go func() {
			defer keyboard.Close()
			for {
				char, key, err := keyboard.GetKey()
				if err != nil {
					close(keyCh)
					return
				}
				if key == 0 {
					select {
					case keyCh <- char:
					default:
					}
				} else if key == keyboard.KeyEsc {
					select {
					case keyCh <- KeyEsc:
					default:
					}
				}
			}
		}()
	})
	return keyCh
}

// KeysAvailable reports whether key events will ever arrive.
func KeysAvailable() bool {
	StartKeyEvents()
	return keysOK
}

// DrainKeys consumes any immediately available keys to avoid accidental triggers.
func DrainKeys() {
	ch := StartKeyEvents()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// WatchEscape calls cancel when ESC is pressed, until ctx is done. It
// returns immediately when no keyboard is available.
func WatchEscape(ctx context.Context, cancel context.CancelFunc) {
	if !KeysAvailable() {
		return
	}
	DrainKeys()
	ch := StartKeyEvents()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case k, ok := <-ch:
				if !ok {
					return
				}
				if k == KeyEsc {
					Warningf("\nESC pressed, stopping search...\n")
					cancel()
					return
				}
			}
		}
	}()
}
