// Package mqtt mirrors session activity to an MQTT broker so dashboards
// and home automation can follow long-running sessions without polling
// the HTTP API.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic; a will message flips it to "offline" on
// unexpected disconnects. Topics, under the configured prefix:
//
//	<prefix>/availability              online | offline (retained)
//	<prefix>/stats                     JSON process stats (retained)
//	<prefix>/sessions/<id>/status      session status (retained)
//	<prefix>/sessions/<id>/turn        one JSON turn update per turn
//	<prefix>/sessions/<id>/events      other session events as JSON
package mqtt
