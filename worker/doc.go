/*
Package worker is the asset cache manager. A Manager is one worker version: it
precaches its manifest into the bucket named after its version on Install,
deletes every other bucket on Activate, and answers requests for manifest
paths cache-first on Fetch, falling back to the origin and refreshing the
bucket in the background on a miss.

A Controller holds the worker version currently in control of the request
path and swaps in a new one only once it has installed and activated.

Lifecycle:

	Uninstalled --Install--> Installed --Activate--> Active

Transitions only move forward. Install skips waiting, so a controller
activates a freshly installed worker straight away instead of waiting for the
previous version to be released.
*/
package worker
