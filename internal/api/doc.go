// Package api exposes the REST surface of the DefiFlow daemon: graph editing,
// intent compilation, wallet session, run control, run history, a server-sent
// event stream of run transitions and chain status.
package api
