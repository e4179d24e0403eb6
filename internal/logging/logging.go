// Package logging configures the process-wide standard logger.
package logging

import (
	"log"
	"os"
)

func Init(prefix string) {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if prefix != "" {
		log.SetPrefix(prefix + " ")
	}
}
