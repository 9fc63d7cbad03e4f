package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"msgsync/pkg/cache"
	"msgsync/pkg/logger"
)

// inspect dumps the contents of a local message cache for debugging.
func main() {
	path := flag.String("cache", "./.msgsync-cache", "path to the cache directory")
	prefix := flag.String("prefix", "", "list keys with this prefix (empty lists all keys)")
	thread := flag.String("thread", "", "dump cached messages for a thread id")
	threads := flag.Bool("threads", false, "dump cached thread metadata")
	flag.Parse()

	logger.Init("warn")
	if err := cache.Open(*path); err != nil {
		fmt.Fprintf(os.Stderr, "open cache: %v\n", err)
		os.Exit(1)
	}
	defer cache.Close()

	switch {
	case *threads:
		ths, err := cache.ListThreads()
		if err != nil {
			fmt.Fprintf(os.Stderr, "list threads: %v\n", err)
			os.Exit(1)
		}
		for i := range ths {
			printJSON(ths[i])
		}
	case *thread != "":
		msgs, err := cache.ListMessages(*thread)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list messages: %v\n", err)
			os.Exit(1)
		}
		for i := range msgs {
			printJSON(msgs[i])
		}
	default:
		keys, err := cache.ListKeys(*prefix)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list keys: %v\n", err)
			os.Exit(1)
		}
		for _, k := range keys {
			fmt.Println(k)
		}
	}
}

func printJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal: %v\n", err)
		return
	}
	fmt.Println(string(b))
}
