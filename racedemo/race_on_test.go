//go:build race

package racedemo_test

const raceEnabled = true
