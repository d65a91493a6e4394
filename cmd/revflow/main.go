package main

import (
	"fmt"
	"os"
)

func main() {
	if err := executeCLI(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`revflow - bounded review-and-merge orchestration

Usage:
  revflow review --branch <branch> [--base <ref>]   Run a full review session
  revflow resume --session <id>                     Resume an interrupted session
  revflow abort --session <id> [--reason <text>]    Abort an active session
  revflow status --session <id>                     Show one session's state
  revflow sessions                                  List sessions
  revflow comments --session <id>                   List a session's comments
  revflow verdicts --session <id>                   List a session's verdicts
  revflow events --session <id>                     Show a session's audit trail
  revflow bus-drain                                 Deliver queued bus events
  revflow policy-init [--path <file>]               Write a default policy file`)
}
