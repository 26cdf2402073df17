package sip

const (
	MethodINVITE   = "INVITE"   // RFC 3261
	MethodACK      = "ACK"      // RFC 3261
	MethodOPTIONS  = "OPTIONS"  // RFC 3261
	MethodBYE      = "BYE"      // RFC 3261
	MethodCANCEL   = "CANCEL"   // RFC 3261
	MethodREGISTER = "REGISTER" // RFC 3261

	MethodPRACK = "PRACK" // RFC 3262

	MethodUPDATE = "UPDATE" // RFC 3311

	MethodREFER = "REFER" // RFC 3515

	MethodSUBSCRIBE = "SUBSCRIBE" // RFC 6665
	MethodNOTIFY    = "NOTIFY"    // RFC 6665

	MethodPUBLISH = "PUBLISH" // RFC 3903

	MethodMESSAGE = "MESSAGE" // RFC 3428

	MethodINFO = "INFO" // RFC 6086
)
