/*
Package ratelimit implements the fixed window rate limiter with a ban
period.

A key, built by Key from the request path and the client address, owns
two entries in the counter store: a window counter and a ban flag. Admit
runs the following steps as one atomic operation:

 1. If the ban flag exists, the request is denied.
 2. The window counter is incremented. When it was just created, it
    expires after the time window of the policy. Later increments never
    extend the expiry.
 3. If the counter exceeds the max requests of the policy, the ban flag
    is set to expire after the ban time, the window counter is deleted
    and the request is denied.
 4. Otherwise the request is allowed.

RedisLimiter and ValkeyLimiter run the steps as a server side Lua
script, so that concurrent gateway instances share the same windows.
LocalLimiter runs them in memory behind a mutex, for a single process.

All limiters return an error when no decision could be made. The
ratelimit filter fails open in this case.
*/
package ratelimit
