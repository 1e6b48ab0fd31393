/*
Package workflow handles verbs with no registered handler.

The ACCOMPLISH meta-handler is asked to resolve the verb and may answer
three ways: a plan (a sequence of sub-steps), a direct answer, or a
request to synthesize a new plugin. Plans and answers are cached per verb;
synthesis requests are forwarded to the engineer service, after which the
freshly persisted manifest is fetched and returned.

Concurrent requests for the same unknown verb collapse into one
meta-handler invocation; the others observe the winner's result.
*/
package workflow
