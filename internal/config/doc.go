// Package config loads the DefiFlow daemon configuration from a JSON file and
// fills in defaults relative to the file's directory. Secrets such as private
// keys and API tokens are never stored in the file; the file only names the
// environment variables that hold them.
package config
