// Package zee is a small HTTP client for the workflow run API served by zeed.
package zee
