//go:build !darwin

package main

func sleeper(listen chan bool) {}
