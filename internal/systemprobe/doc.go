// Package systemprobe answers the "should the daemon do anything right
// now" questions that have nothing to do with git: machine identity,
// battery/AC state, CPU load, and desktop notifications. Platform
// differences are isolated behind the Strategy interface so the daemon
// loop itself never branches on runtime.GOOS.
package systemprobe
