package config

import "github.com/kevinburke/ssh_config"

// sshConfigGet looks up a key for a host in the user's SSH config. git
// config always wins; ssh_config fills the rest when
// dissect.usesshconfig is enabled for the repository.
func sshConfigGet(hostname, key string) string {
	val, err := ssh_config.GetStrict(hostname, key)
	if err != nil {
		return ""
	}
	return val
}
