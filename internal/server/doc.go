// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the site registry that maps Host headers onto configured sites. It also
// owns the shared upstream http.Client so every site worker reuses one
// connection pool. Keep exports narrow and accept explicit dependencies; the
// proxy and routes packages build on top of it.
package server
