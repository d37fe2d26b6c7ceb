package common

type telemetryConstants struct {
	Coordinator coordinatorConstants
	Signer      signerConstants
	Transport   transportConstants
	MsgQueue    msgQueueConstants
	Dispatch    dispatchConstants
	DB          dbConstants
	Bitcoin     bitcoinConstants
	Stacks      stacksConstants
}

type coordinatorConstants struct {
	Prefix                    string
	DkgRoundsStartedCounter   string
	SignRoundsStartedCounter  string
	RoundsCompletedCounter    string
	RoundsFailedCounter       string
	RoundsTimedOutCounter     string
	RoundsCancelledCounter    string
	RejectedContributionCount string
	DuplicateMessageCounter   string
	NonceRetryCounter         string
	ExcludedSignerCounter     string
	ActiveRoundsGauge         string
	RoundDurationHistogram    string
}

type signerConstants struct {
	Prefix                     string
	DkgRequestCounter          string
	NonceRequestCounter        string
	SignRequestCounter         string
	RefusedRequestCounter      string
	InvalidPrivateShareCounter string
	CancelCounter              string
}

type transportConstants struct {
	Prefix                 string
	SentCounter            string
	ReceivedCounter        string
	UnauthenticatedCounter string
	DroppedCounter         string
	PeerSendFailureCounter string
	UndeliverableCounter   string
}

type msgQueueConstants struct {
	Prefix          string
	EnqueuedCounter string
	RetriedCounter  string
	FailedCounter   string
}

type dispatchConstants struct {
	Prefix                string
	RunsCounter           string
	BroadcastCounter      string
	BroadcastRetryCounter string
	FailuresCounter       string
	StacksRunsCounter     string
	StacksRejectedCounter string
}

type dbConstants struct {
	Prefix                   string
	StoreDkgResultCounter    string
	RetrieveDkgResultCounter string
	StoreRoundOutcomeCounter string
}

type bitcoinConstants struct {
	Prefix          string
	RPCCallCounter  string
	RPCErrorCounter string
}

type stacksConstants struct {
	Prefix              string
	ReadOnlyCallCounter string
	RequestErrorCounter string
}

var TelemetryConstants = telemetryConstants{
	Coordinator: coordinatorConstants{
		Prefix:                    "coordinator_",
		DkgRoundsStartedCounter:   "dkg_rounds_started_total",
		SignRoundsStartedCounter:  "sign_rounds_started_total",
		RoundsCompletedCounter:    "rounds_completed_total",
		RoundsFailedCounter:       "rounds_failed_total",
		RoundsTimedOutCounter:     "rounds_timed_out_total",
		RoundsCancelledCounter:    "rounds_cancelled_total",
		RejectedContributionCount: "rejected_contributions_total",
		DuplicateMessageCounter:   "duplicate_messages_total",
		NonceRetryCounter:         "nonce_retries_total",
		ExcludedSignerCounter:     "excluded_signers_total",
		ActiveRoundsGauge:         "active_rounds",
		RoundDurationHistogram:    "round_duration_seconds",
	},
	Signer: signerConstants{
		Prefix:                     "signer_",
		DkgRequestCounter:          "dkg_requests_total",
		NonceRequestCounter:        "nonce_requests_total",
		SignRequestCounter:         "sign_requests_total",
		RefusedRequestCounter:      "refused_requests_total",
		InvalidPrivateShareCounter: "invalid_private_shares_total",
		CancelCounter:              "cancelled_rounds_total",
	},
	Transport: transportConstants{
		Prefix:                 "transport_",
		SentCounter:            "sent_total",
		ReceivedCounter:        "received_total",
		UnauthenticatedCounter: "unauthenticated_total",
		DroppedCounter:         "dropped_total",
		PeerSendFailureCounter: "peer_send_failures_total",
		UndeliverableCounter:   "undeliverable_total",
	},
	MsgQueue: msgQueueConstants{
		Prefix:          "msgqueue_",
		EnqueuedCounter: "enqueued_total",
		RetriedCounter:  "retried_total",
		FailedCounter:   "failed_total",
	},
	Dispatch: dispatchConstants{
		Prefix:                "dispatch_",
		RunsCounter:           "runs_total",
		BroadcastCounter:      "broadcasts_total",
		BroadcastRetryCounter: "broadcast_retries_total",
		FailuresCounter:       "failures_total",
		StacksRunsCounter:     "stacks_runs_total",
		StacksRejectedCounter: "stacks_rejected_total",
	},
	DB: dbConstants{
		Prefix:                   "db_",
		StoreDkgResultCounter:    "store_dkg_result_total",
		RetrieveDkgResultCounter: "retrieve_dkg_result_total",
		StoreRoundOutcomeCounter: "store_round_outcome_total",
	},
	Bitcoin: bitcoinConstants{
		Prefix:          "bitcoin_",
		RPCCallCounter:  "rpc_calls_total",
		RPCErrorCounter: "rpc_errors_total",
	},
	Stacks: stacksConstants{
		Prefix:              "stacks_",
		ReadOnlyCallCounter: "read_only_calls_total",
		RequestErrorCounter: "request_errors_total",
	},
}
