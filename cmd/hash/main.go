// Package main is a utility for computing the store lookup hash of an API
// key secret. The gateway stores key records under apikey:<sha256(secret)>
// and never the raw secret, so this tool is used when manually inspecting
// or deleting a key record in Redis without running the full server.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/clipgate/clipgate/internal/apikey"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("usage: %s <api-key-secret>", os.Args[0])
	}
	fmt.Println(apikey.RecordPrefix + apikey.HashKey(os.Args[1]))
}
