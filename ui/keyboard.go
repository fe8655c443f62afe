package ui

import "fmt"

// NextYN shows a green prompt and waits for a single Y/N key
// (case-insensitive). ESC returns KeyEsc. Without a keyboard it returns 'N'.
func NextYN(message string) rune {
	fmt.Printf("\033[32m%s\033[0m\n", message)
	if !KeysAvailable() {
		return 'N'
	}
	DrainKeys()
	keyEvents := StartKeyEvents()
	for {
		k, ok := <-keyEvents
		if !ok {
			return 'N'
		}
		switch k {
		case 'Y', 'y':
			return 'Y'
		case 'N', 'n':
			return 'N'
		case KeyEsc:
			return KeyEsc
		}
	}
}
