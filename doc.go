// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
anchord is a notification relay for a signed-event network.  Clients submit
alerts over an authenticated websocket session, and anchord evaluates each
alert's feed against a set of upstream relays, delivering the results as
scheduled email digests or live push notifications.

The default options are sane for most users.  The only required setting is at
least one upstream relay.  The long form of all options (except -C) can also
be specified in a configuration file that is automatically parsed when anchord
starts up.  By default, the configuration file is located at
~/.anchord/anchord.conf on POSIX-style operating systems and
%LOCALAPPDATA%\Anchord\anchord.conf on Windows.  The -C (--configfile) flag
can be used to override this location.

Usage:

	anchord [OPTIONS]

Application Options:

	-V, --version             Display version information and exit
	    --appdata=            Path to application home directory
	-C, --configfile=         Path to configuration file
	-b, --datadir=            Directory to store data
	    --logdir=             Directory to log output
	    --nofilelogging       Disable file logging
	-d, --debuglevel=         Logging level for all subsystems {trace, debug,
	                          info, warn, error, critical} -- You may also
	                          specify <subsystem>=<level>,<subsystem2>=<level>,
	                          ... to set the log level for individual
	                          subsystems -- Use show to list available
	                          subsystems (info)
	    --listen=             Add an interface/port to listen for client
	                          connections (default all interfaces port: 8179)
	    --notls               Disable TLS for the client listener
	    --tlscert=            File containing the certificate file
	    --tlskey=             File containing the certificate key
	    --altdnsnames=        Specify additional dns names to use when
	                          generating the tls certificate
	    --servicekey=         File containing the hex-encoded service private
	                          key (generated when missing)
	    --servicename=        Service name advertised in the info document and
	                          mail bodies
	    --serviceurl=         Public base URL used to build confirm and
	                          unsubscribe links
	    --serviceicon=        Icon URL advertised in the info document
	    --servicedescription= Description advertised in the info document
	    --upstream=           Add an upstream relay websocket URL for feed
	                          evaluation (eg. wss://relay.example.com)
	    --proxy=              Connect to upstream relays via SOCKS5 proxy
	                          (eg. 127.0.0.1:9050)
	    --proxyuser=          Username for proxy server
	    --proxypass=          Password for proxy server
	    --smtphost=           SMTP server host for digest and confirmation mail
	    --smtpport=           SMTP server port (587)
	    --smtpuser=           Username for SMTP server
	    --smtppass=           Password for SMTP server
	    --smtpfrom=           Sender address for outgoing mail
	    --smtpskipverify      Do not verify the SMTP server TLS certificate
	    --mininterval=        Minimum mean interval allowed between digest
	                          schedule occurrences (1h)
	    --maxevents=          Maximum number of primary events collected per
	                          digest evaluation (0 for no limit)
	    --contexttimeout=     Time allowed for the reply-context round of a
	                          digest evaluation (5s)
	    --pushpause           Make push listeners honor the alert pause_until
	                          parameter
	    --runjob=             Evaluate and deliver the digest for the given
	                          alert address once, then exit

Help Options:

	-h, --help                Show this help message
*/
package main
