package main

import "time"

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// StartFlags Flag structs to decouple cobra from logic for testing.
type StartFlags struct {
	Name          string
	Framework     string
	Command       string
	Dir           string
	Workspace     string
	Port          int
	Policy        string
	ForeignPolicy string
	EnvKVs        []string
	EnvFiles      []string
	UseOSEnv      bool
	ReadyTimeout  time.Duration
	// Answer pre-selects the conflict decision instead of prompting.
	Answer string
}

type ProbeFlags struct {
	Framework string
	Count     int
}

type ServeFlags struct {
	Listen    string
	BasePath  string
	Daemonize bool
	PidFile   string
	LogFile   string
}

// RemoteFlags select a running `portpilot serve` daemon.
type RemoteFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	CACert     string
}

type StopFlags struct {
	ID        string
	Workspace string
	Port      int
	RemoteFlags
}
