package main

import "errors"

// Serve errors
var (
	ErrOpenEventLog  = errors.New("open event log")
	ErrOpenHistoryDB = errors.New("open history database")
	ErrServe         = errors.New("serve gateway")
)
