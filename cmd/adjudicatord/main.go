package main

import (
	"log"

	"hubchan/services/adjudicatord"
)

func main() {
	if err := adjudicatord.Main(); err != nil {
		log.Fatalf("adjudicatord: %v", err)
	}
}
